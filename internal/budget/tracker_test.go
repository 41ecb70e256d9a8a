package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/store"
)

type fakeLedger struct {
	cost  float64
	err   error
	calls int
}

func (f *fakeLedger) QueryMonthlyCost(ctx context.Context, projectScope string) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.cost, nil
}

func newTestTracker(t *testing.T, ledger Ledger, monthlyBudget float64) *Tracker {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)
	return NewTracker(st, ledger, "publication-pipeline", monthlyBudget, logger)
}

func TestTracker_ActionTiers(t *testing.T) {
	tests := []struct {
		name string
		cost float64
		want Action
	}{
		{"under warn threshold", 74.99, ActionOK},
		{"at warn threshold", 75.00, ActionWarn},
		{"inside warn band", 85.00, ActionWarn},
		{"at slowdown threshold", 90.00, ActionSlowdown},
		{"inside slowdown band", 95.00, ActionSlowdown},
		{"at budget", 100.00, ActionPause},
		{"over budget", 130.00, ActionPause},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker(t, &fakeLedger{cost: tt.cost}, 100.0)

			status, err := tracker.GetBudgetStatus(context.Background())
			require.NoError(t, err)
			require.Equal(t, tt.want, status.Action)
			require.InDelta(t, tt.cost/100.0, status.CostRatio, 1e-9)
		})
	}
}

func TestTracker_ShouldProceed(t *testing.T) {
	// Test case 1: metered work pauses when the budget is exhausted.
	tracker := newTestTracker(t, &fakeLedger{cost: 120.0}, 100.0)
	ok, reason := tracker.ShouldProceed(context.Background(), false)
	require.False(t, ok)
	require.Contains(t, reason, "budget exhausted")

	// Test case 2: zero-cost work proceeds under the same conditions.
	ok, reason = tracker.ShouldProceed(context.Background(), true)
	require.True(t, ok)
	require.Contains(t, reason, "zero-cost")

	// Test case 3: metered work proceeds while spend is healthy.
	tracker = newTestTracker(t, &fakeLedger{cost: 10.0}, 100.0)
	ok, _ = tracker.ShouldProceed(context.Background(), false)
	require.True(t, ok)

	// Test case 4: metered work is held back when the ledger has never
	// answered, rather than assuming a zero spend.
	tracker = newTestTracker(t, &fakeLedger{err: errors.New("ledger down")}, 100.0)
	ok, reason = tracker.ShouldProceed(context.Background(), false)
	require.False(t, ok)
	require.Contains(t, reason, "unavailable")
}

func TestTracker_AdaptiveStaggerHours(t *testing.T) {
	ctx := context.Background()

	// Healthy spend leaves the base stagger untouched.
	tracker := newTestTracker(t, &fakeLedger{cost: 50.0}, 100.0)
	require.InDelta(t, 6.0, tracker.AdaptiveStaggerHours(ctx, 6.0), 1e-9)

	// Entering the warn band scales by at least 1.25x.
	tracker = newTestTracker(t, &fakeLedger{cost: 75.0}, 100.0)
	require.InDelta(t, 7.5, tracker.AdaptiveStaggerHours(ctx, 6.0), 1e-9)

	// Entering the slowdown band scales by at least 2x.
	tracker = newTestTracker(t, &fakeLedger{cost: 90.0}, 100.0)
	require.InDelta(t, 12.0, tracker.AdaptiveStaggerHours(ctx, 6.0), 1e-9)

	// At the budget line the scale tops out at 4x, even when spend
	// overshoots.
	tracker = newTestTracker(t, &fakeLedger{cost: 140.0}, 100.0)
	require.InDelta(t, 24.0, tracker.AdaptiveStaggerHours(ctx, 6.0), 1e-9)

	// A ledger failure with no cache falls back to the base stagger
	// instead of blocking scheduling.
	tracker = newTestTracker(t, &fakeLedger{err: errors.New("ledger down")}, 100.0)
	require.InDelta(t, 6.0, tracker.AdaptiveStaggerHours(ctx, 6.0), 1e-9)
}

func TestTracker_CachesLedgerFigure(t *testing.T) {
	ledger := &fakeLedger{cost: 42.0}
	tracker := newTestTracker(t, ledger, 100.0)

	_, err := tracker.GetBudgetStatus(context.Background())
	require.NoError(t, err)
	_, err = tracker.GetBudgetStatus(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, ledger.calls)
}

func TestTracker_ServesStaleCacheOnLedgerFailure(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)

	// A prior run left a cost figure that is past its TTL.
	err = st.Write(costCacheDoc, &costCache{
		MonthlyCost: 80.0,
		RetrievedAt: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	tracker := NewTracker(st, &fakeLedger{err: errors.New("ledger down")}, "publication-pipeline", 100.0, logger)

	status, err := tracker.GetBudgetStatus(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 80.0, status.MonthlyCost, 1e-9)
	require.Equal(t, ActionWarn, status.Action)
}

func TestTracker_PersistsCacheAcrossInstances(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)

	first := NewTracker(st, &fakeLedger{cost: 42.0}, "publication-pipeline", 100.0, logger)
	_, err = first.GetBudgetStatus(context.Background())
	require.NoError(t, err)

	// A fresh tracker over the same store sees the cached figure without
	// touching the ledger.
	brokenLedger := &fakeLedger{err: errors.New("ledger down")}
	second := NewTracker(st, brokenLedger, "publication-pipeline", 100.0, logger)
	status, err := second.GetBudgetStatus(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 42.0, status.MonthlyCost, 1e-9)
	require.Equal(t, 0, brokenLedger.calls)
}
