package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/budget"
	"github.com/DaveCBeck/thala-sub003/internal/model"
	"github.com/DaveCBeck/thala-sub003/internal/store"
	"github.com/DaveCBeck/thala-sub003/internal/workflow"
)

const queueDoc = "queue.json"

// queueState is the durable queue document: all non-archived tasks, the
// configured categories, the round-robin rotation cursor, and the active
// concurrency configuration.
type queueState struct {
	Tasks          map[string]*model.Task  `json:"tasks"`
	Categories     []string                `json:"categories"`
	RotationCursor string                  `json:"rotation_cursor"`
	Concurrency    model.ConcurrencyConfig `json:"concurrency"`
	LastStartedAt  *time.Time              `json:"last_started_at,omitempty"`
}

// Manager owns the set of pending and active tasks. Every mutation is a
// locked read-modify-write of the queue document, so concurrent invocations
// on the same host serialize cleanly.
type Manager struct {
	logger   *zap.Logger
	store    *store.Store
	budget   *budget.Tracker
	registry *workflow.Registry
}

// NewManager creates a queue manager. The queue document is created on
// first mutation; a missing document reads as an empty queue with a
// max_concurrent=1 configuration.
func NewManager(st *store.Store, tracker *budget.Tracker, registry *workflow.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.Named("queue-manager"),
		store:    st,
		budget:   tracker,
		registry: registry,
	}
}

// AddTask validates the category, assigns a new id and enqueues a pending
// task. It returns the assigned task id.
func (m *Manager) AddTask(ctx context.Context, taskType, category string, priority model.TaskPriority, payload map[string]any, quality string) (string, error) {
	unlock, err := m.store.Lock(ctx, queueDoc)
	if err != nil {
		return "", err
	}
	defer unlock()

	st, err := m.load()
	if err != nil {
		return "", err
	}

	if !contains(st.Categories, category) {
		return "", fmt.Errorf("%w: %q is not in configured categories %v", ErrInvalidCategory, category, st.Categories)
	}

	if _, err := m.registry.Get(taskType); err != nil {
		// The executing process may register more workflows than this one.
		m.logger.Warn("Task type has no workflow registered here",
			zap.String("task_type", taskType))
	}

	task := &model.Task{
		ID:        uuid.New().String(),
		TaskType:  taskType,
		Category:  category,
		Priority:  priority,
		Status:    model.TaskStatusPending,
		Quality:   quality,
		Payload:   store.SanitizeMap(m.logger, payload),
		CreatedAt: time.Now(),
	}
	st.Tasks[task.ID] = task

	if err := m.save(st); err != nil {
		return "", err
	}

	m.logger.Info("Task added",
		zap.String("task_id", task.ID),
		zap.String("task_type", taskType),
		zap.String("category", category),
		zap.String("priority", priority.String()))

	return task.ID, nil
}

// GetTask returns the task with the given id.
func (m *Manager) GetTask(ctx context.Context, id string) (*model.Task, error) {
	st, err := m.load()
	if err != nil {
		return nil, err
	}

	task, ok := st.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// ListTasks returns all tasks ordered by creation time.
func (m *Manager) ListTasks(ctx context.Context) ([]*model.Task, error) {
	st, err := m.load()
	if err != nil {
		return nil, err
	}

	tasks := make([]*model.Task, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// RemoveTask removes a task from the queue entirely.
func (m *Manager) RemoveTask(ctx context.Context, id string) error {
	unlock, err := m.store.Lock(ctx, queueDoc)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := m.load()
	if err != nil {
		return err
	}

	if _, ok := st.Tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(st.Tasks, id)

	if err := m.save(st); err != nil {
		return err
	}
	m.logger.Info("Task removed", zap.String("task_id", id))
	return nil
}

// SetConcurrency atomically replaces the concurrency configuration.
func (m *Manager) SetConcurrency(ctx context.Context, cfg model.ConcurrencyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	unlock, err := m.store.Lock(ctx, queueDoc)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := m.load()
	if err != nil {
		return err
	}
	st.Concurrency = cfg

	if err := m.save(st); err != nil {
		return err
	}
	m.logger.Info("Concurrency configuration replaced",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("max_concurrent", cfg.MaxConcurrent),
		zap.Float64("stagger_hours", cfg.StaggerHours))
	return nil
}

// SetCategories replaces the configured category set. If the rotation
// cursor no longer names a valid category it resets to the first one.
func (m *Manager) SetCategories(ctx context.Context, categories []string) error {
	unlock, err := m.store.Lock(ctx, queueDoc)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := m.load()
	if err != nil {
		return err
	}

	st.Categories = append([]string(nil), categories...)
	normalizeCursor(st)

	if err := m.save(st); err != nil {
		return err
	}
	m.logger.Info("Categories replaced",
		zap.Strings("categories", categories),
		zap.String("rotation_cursor", st.RotationCursor))
	return nil
}

// NextEligibleTask selects the next task to run, or nil when nothing is
// eligible right now.
//
// Starting at the rotation cursor, configured categories are scanned in
// rotation order; the first category holding an eligible pending task
// yields its highest-priority task, ties broken by earliest creation.
// Whether or not a task is found the cursor advances exactly one position
// past where the scan stopped, so every call rotates fairly. If no category
// in the rotation yields a task, a global scan over all pending tasks runs
// as a fallback with the same per-task eligibility rules.
func (m *Manager) NextEligibleTask(ctx context.Context) (*model.Task, error) {
	unlock, err := m.store.Lock(ctx, queueDoc)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := m.load()
	if err != nil {
		return nil, err
	}
	normalizeCursor(st)

	eligible := m.eligibilityCheck(ctx, st)

	var selected *model.Task
	cats := st.Categories
	if n := len(cats); n > 0 {
		start := indexOf(cats, st.RotationCursor)
		matched := -1
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			if best := bestPending(st, cats[idx], eligible); best != nil {
				selected = best
				matched = idx
				break
			}
		}
		if matched >= 0 {
			st.RotationCursor = cats[(matched+1)%n]
		} else {
			st.RotationCursor = cats[(start+1)%n]
		}
	}

	// Fall back to a category-agnostic scan so tasks in since-removed
	// categories still drain.
	if selected == nil {
		selected = bestPending(st, "", eligible)
	}

	if err := m.save(st); err != nil {
		return nil, err
	}

	if selected != nil {
		m.logger.Info("Task selected",
			zap.String("task_id", selected.ID),
			zap.String("category", selected.Category),
			zap.String("rotation_cursor", st.RotationCursor))
	}
	return selected, nil
}

// MarkStarted transitions a pending task to in_progress, recording the cost
// attribution id and start time. A non-pending task is left unchanged and
// the error surfaced, never silently overwritten.
func (m *Manager) MarkStarted(ctx context.Context, id, costAttributionID string) error {
	now := time.Now()
	return m.transition(ctx, id, func(st *queueState, task *model.Task) error {
		if task.Status != model.TaskStatusPending {
			return fmt.Errorf("%w: cannot start task %s in status %s", ErrInvalidTransition, id, task.Status)
		}
		task.Status = model.TaskStatusInProgress
		task.StartedAt = &now
		task.CostAttributionID = costAttributionID
		st.LastStartedAt = &now
		return nil
	})
}

// UpdatePhase records the currently executing phase for status display.
func (m *Manager) UpdatePhase(ctx context.Context, id, phase string) error {
	return m.transition(ctx, id, func(_ *queueState, task *model.Task) error {
		if task.Status.Terminal() {
			return fmt.Errorf("%w: cannot update phase of task %s in status %s", ErrInvalidTransition, id, task.Status)
		}
		task.CurrentPhase = phase
		return nil
	})
}

// MarkCompleted transitions an in_progress task to completed.
func (m *Manager) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now()
	return m.transition(ctx, id, func(_ *queueState, task *model.Task) error {
		if task.Status != model.TaskStatusInProgress && task.Status != model.TaskStatusPaused {
			return fmt.Errorf("%w: cannot complete task %s in status %s", ErrInvalidTransition, id, task.Status)
		}
		task.Status = model.TaskStatusCompleted
		task.CompletedAt = &now
		return nil
	})
}

// MarkFailed transitions an in_progress task to failed, recording the error.
func (m *Manager) MarkFailed(ctx context.Context, id, errorMessage string) error {
	now := time.Now()
	return m.transition(ctx, id, func(_ *queueState, task *model.Task) error {
		if task.Status != model.TaskStatusInProgress && task.Status != model.TaskStatusPaused {
			return fmt.Errorf("%w: cannot fail task %s in status %s", ErrInvalidTransition, id, task.Status)
		}
		task.Status = model.TaskStatusFailed
		task.CompletedAt = &now
		task.ErrorMessage = errorMessage
		return nil
	})
}

// Requeue returns an in_progress or paused task to pending. Used for crash
// recovery: the retained checkpoint makes the next start a resume.
func (m *Manager) Requeue(ctx context.Context, id string) error {
	return m.transition(ctx, id, func(_ *queueState, task *model.Task) error {
		if task.Status != model.TaskStatusInProgress && task.Status != model.TaskStatusPaused {
			return fmt.Errorf("%w: cannot requeue task %s in status %s", ErrInvalidTransition, id, task.Status)
		}
		task.Status = model.TaskStatusPending
		return nil
	})
}

// Snapshot summarizes the queue for status display.
type Snapshot struct {
	Counts         map[model.TaskStatus]int
	Categories     []string
	RotationCursor string
	Concurrency    model.ConcurrencyConfig
	LastStartedAt  *time.Time
}

// GetSnapshot returns the current queue summary.
func (m *Manager) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	st, err := m.load()
	if err != nil {
		return nil, err
	}

	counts := make(map[model.TaskStatus]int)
	for _, t := range st.Tasks {
		counts[t.Status]++
	}
	return &Snapshot{
		Counts:         counts,
		Categories:     st.Categories,
		RotationCursor: st.RotationCursor,
		Concurrency:    st.Concurrency,
		LastStartedAt:  st.LastStartedAt,
	}, nil
}

// transition applies fn to the task under the document lock.
func (m *Manager) transition(ctx context.Context, id string, fn func(*queueState, *model.Task) error) error {
	unlock, err := m.store.Lock(ctx, queueDoc)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := m.load()
	if err != nil {
		return err
	}

	task, ok := st.Tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := fn(st, task); err != nil {
		return err
	}
	return m.save(st)
}

// eligibilityCheck evaluates concurrency-mode eligibility once per
// selection pass and returns the per-task predicate.
func (m *Manager) eligibilityCheck(ctx context.Context, st *queueState) func(*model.Task) bool {
	switch st.Concurrency.Mode {
	case model.ConcurrencyModeStaggerHours:
		staggerOK := true
		if st.LastStartedAt != nil {
			required := m.budget.AdaptiveStaggerHours(ctx, st.Concurrency.StaggerHours)
			elapsed := time.Since(*st.LastStartedAt)
			staggerOK = elapsed >= time.Duration(required*float64(time.Hour))
		}
		return func(t *model.Task) bool {
			// Zero-cost workflows are exempt from stagger spacing.
			return staggerOK || m.registry.IsZeroCost(t.TaskType)
		}
	case model.ConcurrencyModeMaxConcurrent:
		running := 0
		for _, t := range st.Tasks {
			if t.Status == model.TaskStatusInProgress {
				running++
			}
		}
		ok := running < st.Concurrency.MaxConcurrent
		return func(*model.Task) bool { return ok }
	default:
		return func(*model.Task) bool { return true }
	}
}

// bestPending returns the highest-priority eligible pending task, ties
// broken by earliest creation. An empty category matches all categories.
func bestPending(st *queueState, category string, eligible func(*model.Task) bool) *model.Task {
	var best *model.Task
	for _, t := range st.Tasks {
		if t.Status != model.TaskStatusPending {
			continue
		}
		if category != "" && t.Category != category {
			continue
		}
		if !eligible(t) {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	return best
}

func (m *Manager) load() (*queueState, error) {
	st := &queueState{}
	ok, err := m.store.Read(queueDoc, st)
	if err != nil {
		return nil, err
	}
	if !ok {
		st.Concurrency = model.ConcurrencyConfig{
			Mode:          model.ConcurrencyModeMaxConcurrent,
			MaxConcurrent: 1,
		}
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]*model.Task)
	}
	return st, nil
}

func (m *Manager) save(st *queueState) error {
	return m.store.Write(queueDoc, st)
}

// normalizeCursor keeps the rotation cursor pointing at a configured
// category.
func normalizeCursor(st *queueState) {
	if len(st.Categories) == 0 {
		st.RotationCursor = ""
		return
	}
	if !contains(st.Categories, st.RotationCursor) {
		st.RotationCursor = st.Categories[0]
	}
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
