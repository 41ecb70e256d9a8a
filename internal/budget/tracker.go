package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/store"
)

const (
	costCacheDoc = "cost_cache.json"
	cacheTTL     = time.Hour
)

// Action is the throttling tier derived from the spend ratio
type Action string

const (
	ActionOK       Action = "ok"
	ActionWarn     Action = "warn"
	ActionSlowdown Action = "slowdown"
	ActionPause    Action = "pause"
)

// Status is the tracker's view of current spend against budget
type Status struct {
	MonthlyCost   float64 `json:"monthly_cost"`
	MonthlyBudget float64 `json:"monthly_budget"`
	CostRatio     float64 `json:"cost_ratio"`
	Action        Action  `json:"action"`
}

// Ledger queries the external cost ledger. Implementations must scope the
// figure to the dedicated accounting project and count root-level cost
// entries only, so ad-hoc runs don't pollute the monthly total.
type Ledger interface {
	QueryMonthlyCost(ctx context.Context, projectScope string) (float64, error)
}

type costCache struct {
	MonthlyCost float64   `json:"monthly_cost"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Tracker classifies monthly spend into an action tier and derives adaptive
// throttling multipliers. The ledger figure is cached for an hour; a failed
// ledger query serves the last good cache value, never a zero cost.
type Tracker struct {
	logger        *zap.Logger
	store         *store.Store
	ledger        Ledger
	projectScope  string
	monthlyBudget float64

	mu    sync.Mutex
	cache *costCache
}

// NewTracker creates a budget tracker. Any previously cached cost figure in
// the store is picked up on first use.
func NewTracker(st *store.Store, ledger Ledger, projectScope string, monthlyBudget float64, logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:        logger.Named("budget-tracker"),
		store:         st,
		ledger:        ledger,
		projectScope:  projectScope,
		monthlyBudget: monthlyBudget,
	}
}

// GetBudgetStatus returns current spend, budget, and the derived action.
// The cached figure is refreshed from the ledger when older than an hour.
func (t *Tracker) GetBudgetStatus(ctx context.Context) (*Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost, err := t.monthlyCost(ctx)
	if err != nil {
		return nil, err
	}

	ratio := 0.0
	if t.monthlyBudget > 0 {
		ratio = cost / t.monthlyBudget
	}

	return &Status{
		MonthlyCost:   cost,
		MonthlyBudget: t.monthlyBudget,
		CostRatio:     ratio,
		Action:        actionForRatio(ratio),
	}, nil
}

// ShouldProceed reports whether a task may start now. Zero-cost tasks always
// proceed. The reason explains the action tier either way.
func (t *Tracker) ShouldProceed(ctx context.Context, isZeroCost bool) (bool, string) {
	if isZeroCost {
		return true, "zero-cost workflow, exempt from budget gating"
	}

	status, err := t.GetBudgetStatus(ctx)
	if err != nil {
		t.logger.Error("Budget status unavailable", zap.Error(err))
		return false, fmt.Sprintf("budget status unavailable: %v", err)
	}

	switch status.Action {
	case ActionPause:
		return false, fmt.Sprintf("monthly budget exhausted (%.2f of %.2f), pausing metered work",
			status.MonthlyCost, status.MonthlyBudget)
	case ActionSlowdown:
		return true, fmt.Sprintf("spend at %.0f%% of budget, throttling hard", status.CostRatio*100)
	case ActionWarn:
		return true, fmt.Sprintf("spend at %.0f%% of budget, throttling", status.CostRatio*100)
	default:
		return true, "budget ok"
	}
}

// AdaptiveStaggerHours scales the base stagger upward as spend approaches
// budget: unchanged while ok, at least 1.25x in warn and 2x in slowdown,
// increasing monotonically with the cost ratio. A status failure leaves the
// base unchanged rather than blocking scheduling.
func (t *Tracker) AdaptiveStaggerHours(ctx context.Context, baseHours float64) float64 {
	status, err := t.GetBudgetStatus(ctx)
	if err != nil {
		t.logger.Error("Budget status unavailable, using base stagger", zap.Error(err))
		return baseHours
	}
	return baseHours * staggerScale(status.Action, status.CostRatio)
}

// monthlyCost serves the cached figure, refreshing it from the ledger when
// stale. Caller holds t.mu.
func (t *Tracker) monthlyCost(ctx context.Context) (float64, error) {
	if t.cache == nil {
		var cached costCache
		ok, err := t.store.Read(costCacheDoc, &cached)
		if err != nil {
			t.logger.Warn("Failed to read cost cache", zap.Error(err))
		} else if ok {
			t.cache = &cached
		}
	}

	if t.cache != nil && time.Since(t.cache.RetrievedAt) < cacheTTL {
		return t.cache.MonthlyCost, nil
	}

	cost, err := t.ledger.QueryMonthlyCost(ctx, t.projectScope)
	if err != nil {
		if t.cache != nil {
			t.logger.Error("Ledger query failed, serving stale cache",
				zap.Time("retrieved_at", t.cache.RetrievedAt),
				zap.Error(err))
			return t.cache.MonthlyCost, nil
		}
		return 0, fmt.Errorf("ledger query failed with no cached value: %w", err)
	}

	t.cache = &costCache{MonthlyCost: cost, RetrievedAt: time.Now()}
	if err := t.store.Write(costCacheDoc, t.cache); err != nil {
		t.logger.Error("Failed to persist cost cache", zap.Error(err))
	}
	return cost, nil
}

func actionForRatio(ratio float64) Action {
	switch {
	case ratio >= 1.00:
		return ActionPause
	case ratio >= 0.90:
		return ActionSlowdown
	case ratio >= 0.75:
		return ActionWarn
	default:
		return ActionOK
	}
}

// staggerScale is linear within each tier: 1.25x..2x across the warn band,
// 2x..4x across the slowdown band.
func staggerScale(action Action, ratio float64) float64 {
	switch action {
	case ActionWarn:
		return 1.25 + (ratio-0.75)/0.15*0.75
	case ActionSlowdown:
		if ratio > 1.0 {
			ratio = 1.0
		}
		return 2.0 + (ratio-0.90)/0.10*2.0
	case ActionPause:
		return 4.0
	default:
		return 1.0
	}
}
