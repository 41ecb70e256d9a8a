package checkpoint

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/model"
	"github.com/DaveCBeck/thala-sub003/internal/store"
	"github.com/DaveCBeck/thala-sub003/internal/workflow"
)

const activeWorkDoc = "active_work.json"

// TaskLookup resolves task ids against the queue, so a checkpoint is never
// created for an unknown task.
type TaskLookup interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
}

// Manager owns per-task progress records in the active-work document. Each
// mutation is a fully self-contained locked read-modify-write, so checkpoint
// updates issued from concurrent workflow internals interleave safely.
type Manager struct {
	logger   *zap.Logger
	store    *store.Store
	tasks    TaskLookup
	registry *workflow.Registry

	// Overridable for tests; defaults to a real PID probe.
	pidAlive func(int32) bool
}

// NewManager creates a checkpoint manager.
func NewManager(st *store.Store, tasks TaskLookup, registry *workflow.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.Named("checkpoint-manager"),
		store:    st,
		tasks:    tasks,
		registry: registry,
		pidAlive: func(pid int32) bool {
			alive, err := process.PidExists(pid)
			return err == nil && alive
		},
	}
}

// StartWork creates a checkpoint record for a task entering execution,
// owned by the current process and positioned at the workflow's declared
// initial phase.
func (m *Manager) StartWork(ctx context.Context, taskID, taskType, costAttributionID string) error {
	if _, err := m.tasks.GetTask(ctx, taskID); err != nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	initialPhase, err := m.registry.InitialPhase(taskType)
	if err != nil {
		return fmt.Errorf("failed to determine initial phase for %s: %w", taskType, err)
	}

	unlock, err := m.store.Lock(ctx, activeWorkDoc)
	if err != nil {
		return err
	}
	defer unlock()

	records, err := m.load()
	if err != nil {
		return err
	}

	now := time.Now()
	records[taskID] = &model.CheckpointRecord{
		TaskID:            taskID,
		TaskType:          taskType,
		Phase:             initialPhase,
		PhaseOutputs:      make(map[string]any),
		OwningProcessID:   int32(os.Getpid()),
		StartedAt:         now,
		LastUpdatedAt:     now,
		CostAttributionID: costAttributionID,
	}

	if err := m.save(records); err != nil {
		return err
	}

	m.logger.Info("Checkpoint created",
		zap.String("task_id", taskID),
		zap.String("task_type", taskType),
		zap.String("phase", initialPhase))
	return nil
}

// ResumeWork takes ownership of an existing checkpoint left behind by a
// dead process and returns the phase execution should restart from,
// according to the workflow's resume map.
func (m *Manager) ResumeWork(ctx context.Context, taskID string) (string, error) {
	unlock, err := m.store.Lock(ctx, activeWorkDoc)
	if err != nil {
		return "", err
	}
	defer unlock()

	records, err := m.load()
	if err != nil {
		return "", err
	}

	record, ok := records[taskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	wf, err := m.registry.Get(record.TaskType)
	if err != nil {
		return "", fmt.Errorf("cannot resume %s: %w", record.TaskType, err)
	}
	resumeFrom := wf.ResumeFrom(record.Phase)

	record.OwningProcessID = int32(os.Getpid())
	record.LastUpdatedAt = time.Now()

	if err := m.save(records); err != nil {
		return "", err
	}

	m.logger.Info("Checkpoint ownership taken over for resume",
		zap.String("task_id", taskID),
		zap.String("last_phase", record.Phase),
		zap.String("resume_from", resumeFrom))
	return resumeFrom, nil
}

// UpdateCheckpoint merges new phase outputs and counters into the active
// record for taskID. Existing output keys are overwritten, untouched keys
// preserved. An unknown task id is an error, logged with the set of
// currently active ids.
func (m *Manager) UpdateCheckpoint(ctx context.Context, taskID, phase string, outputs, counters map[string]any) error {
	unlock, err := m.store.Lock(ctx, activeWorkDoc)
	if err != nil {
		return err
	}
	defer unlock()

	records, err := m.load()
	if err != nil {
		return err
	}

	record, ok := records[taskID]
	if !ok {
		m.logger.Error("Checkpoint update for unknown task",
			zap.String("task_id", taskID),
			zap.String("phase", phase),
			zap.Strings("active_task_ids", activeIDs(records)))
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	record.Phase = phase
	record.LastUpdatedAt = time.Now()
	if record.PhaseOutputs == nil {
		record.PhaseOutputs = make(map[string]any)
	}
	for k, v := range store.SanitizeMap(m.logger, outputs) {
		record.PhaseOutputs[k] = v
	}
	if len(counters) > 0 && record.Counters == nil {
		record.Counters = make(map[string]any)
	}
	for k, v := range store.SanitizeMap(m.logger, counters) {
		record.Counters[k] = v
	}

	return m.save(records)
}

// GetCheckpoint returns the active record for taskID.
func (m *Manager) GetCheckpoint(ctx context.Context, taskID string) (*model.CheckpointRecord, error) {
	records, err := m.load()
	if err != nil {
		return nil, err
	}
	record, ok := records[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return record, nil
}

// GetIncompleteWork returns every checkpoint whose owning process is no
// longer alive: the tasks a prior run abandoned mid-execution. Liveness is
// a best-effort PID probe; a reused PID can mask an orphan.
func (m *Manager) GetIncompleteWork(ctx context.Context) ([]*model.CheckpointRecord, error) {
	records, err := m.load()
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	var orphaned []*model.CheckpointRecord
	for _, record := range records {
		if record.OwningProcessID == self {
			continue
		}
		if !m.pidAlive(record.OwningProcessID) {
			orphaned = append(orphaned, record)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool {
		return orphaned[i].StartedAt.Before(orphaned[j].StartedAt)
	})

	if len(orphaned) > 0 {
		m.logger.Info("Found abandoned work from dead processes",
			zap.Int("count", len(orphaned)))
	}
	return orphaned, nil
}

// DiscardCheckpoint removes the record for a task reaching a terminal
// status, or discarded explicitly.
func (m *Manager) DiscardCheckpoint(ctx context.Context, taskID string) error {
	unlock, err := m.store.Lock(ctx, activeWorkDoc)
	if err != nil {
		return err
	}
	defer unlock()

	records, err := m.load()
	if err != nil {
		return err
	}

	if _, ok := records[taskID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(records, taskID)

	if err := m.save(records); err != nil {
		return err
	}
	m.logger.Info("Checkpoint discarded", zap.String("task_id", taskID))
	return nil
}

func (m *Manager) load() (map[string]*model.CheckpointRecord, error) {
	records := make(map[string]*model.CheckpointRecord)
	if _, err := m.store.Read(activeWorkDoc, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (m *Manager) save(records map[string]*model.CheckpointRecord) error {
	return m.store.Write(activeWorkDoc, records)
}

func activeIDs(records map[string]*model.CheckpointRecord) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
