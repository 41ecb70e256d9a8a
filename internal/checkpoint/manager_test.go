package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/model"
	"github.com/DaveCBeck/thala-sub003/internal/store"
	"github.com/DaveCBeck/thala-sub003/internal/workflow"
)

type taskMap map[string]*model.Task

func (m taskMap) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, nil
}

type stubWorkflow struct {
	phases    []string
	resumeMap map[string]string
}

func (s stubWorkflow) Phases() []string { return s.phases }
func (s stubWorkflow) ZeroCost() bool   { return false }
func (s stubWorkflow) Run(ctx context.Context, task *model.Task, checkpoint workflow.CheckpointFunc, resumeFrom string) (workflow.Result, error) {
	return nil, nil
}
func (s stubWorkflow) SaveOutputs(ctx context.Context, task *model.Task, result workflow.Result) ([]string, error) {
	return nil, nil
}
func (s stubWorkflow) ResumeFrom(lastPhase string) string {
	if from, ok := s.resumeMap[lastPhase]; ok {
		return from
	}
	return lastPhase
}

func newTestManager(t *testing.T, tasks taskMap) (*Manager, *store.Store) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)

	registry := workflow.NewRegistry()
	registry.Register("chapter_draft", stubWorkflow{
		phases:    []string{"research", "draft", "review"},
		resumeMap: map[string]string{"review": "draft"},
	})

	return NewManager(st, tasks, registry, logger), st
}

func pendingTask(id string) *model.Task {
	return &model.Task{
		ID:        id,
		TaskType:  "chapter_draft",
		Category:  "philosophy",
		Priority:  model.TaskPriorityNormal,
		Status:    model.TaskStatusPending,
		CreatedAt: time.Now(),
	}
}

func TestManager_StartWorkRequiresKnownTask(t *testing.T) {
	m, _ := newTestManager(t, taskMap{})

	err := m.StartWork(context.Background(), "ghost", "chapter_draft", "run-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestManager_StartWorkRecordsInitialPhase(t *testing.T) {
	m, _ := newTestManager(t, taskMap{"t1": pendingTask("t1")})
	ctx := context.Background()

	require.NoError(t, m.StartWork(ctx, "t1", "chapter_draft", "run-1"))

	record, err := m.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "research", record.Phase)
	require.Equal(t, int32(os.Getpid()), record.OwningProcessID)
	require.Equal(t, "run-1", record.CostAttributionID)
}

func TestManager_CheckpointOutputsAccumulate(t *testing.T) {
	m, _ := newTestManager(t, taskMap{"t1": pendingTask("t1")})
	ctx := context.Background()

	require.NoError(t, m.StartWork(ctx, "t1", "chapter_draft", "run-1"))

	err := m.UpdateCheckpoint(ctx, "t1", "research", map[string]any{"sources": 12}, map[string]any{"lookups": 3})
	require.NoError(t, err)
	err = m.UpdateCheckpoint(ctx, "t1", "draft", map[string]any{"words": 4200}, map[string]any{"lookups": 5})
	require.NoError(t, err)

	record, err := m.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "draft", record.Phase)

	// Outputs from earlier phases survive later updates.
	require.Equal(t, float64(12), record.PhaseOutputs["sources"])
	require.Equal(t, float64(4200), record.PhaseOutputs["words"])

	// Counters overwrite by key.
	require.Equal(t, float64(5), record.Counters["lookups"])
}

func TestManager_UpdateUnknownTaskLeavesRecordsUntouched(t *testing.T) {
	m, _ := newTestManager(t, taskMap{"t1": pendingTask("t1")})
	ctx := context.Background()

	require.NoError(t, m.StartWork(ctx, "t1", "chapter_draft", "run-1"))

	err := m.UpdateCheckpoint(ctx, "ghost", "draft", map[string]any{"words": 1}, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTaskNotFound))

	record, err := m.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "research", record.Phase)
	require.Empty(t, record.PhaseOutputs)
}

func TestManager_CheckpointSurvivesLossySerialization(t *testing.T) {
	m, _ := newTestManager(t, taskMap{"t1": pendingTask("t1")})
	ctx := context.Background()

	require.NoError(t, m.StartWork(ctx, "t1", "chapter_draft", "run-1"))

	when := time.Date(2025, 6, 1, 9, 15, 0, 500, time.UTC)
	err := m.UpdateCheckpoint(ctx, "t1", "research", map[string]any{
		"retrieved_at": when,
		"source_path":  "/tmp/material/locke.txt",
		"raw_page":     []byte("hello world"),
	}, nil)
	require.NoError(t, err)

	record, err := m.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)

	// Timestamps come back as parseable strings denoting the same instant.
	parsed, err := time.Parse(time.RFC3339Nano, record.PhaseOutputs["retrieved_at"].(string))
	require.NoError(t, err)
	require.True(t, parsed.Equal(when))

	// Paths pass through unchanged; binary blobs become placeholders.
	require.Equal(t, "/tmp/material/locke.txt", record.PhaseOutputs["source_path"])
	require.Equal(t, "<binary 11 bytes>", record.PhaseOutputs["raw_page"])
}

func TestManager_GetIncompleteWork(t *testing.T) {
	m, st := newTestManager(t, taskMap{})
	ctx := context.Background()

	now := time.Now()
	records := map[string]*model.CheckpointRecord{
		"dead-task": {
			TaskID:          "dead-task",
			TaskType:        "chapter_draft",
			Phase:           "draft",
			OwningProcessID: 111,
			StartedAt:       now.Add(-2 * time.Hour),
			LastUpdatedAt:   now.Add(-time.Hour),
		},
		"live-task": {
			TaskID:          "live-task",
			TaskType:        "chapter_draft",
			Phase:           "research",
			OwningProcessID: 222,
			StartedAt:       now.Add(-time.Hour),
			LastUpdatedAt:   now,
		},
		"own-task": {
			TaskID:          "own-task",
			TaskType:        "chapter_draft",
			Phase:           "research",
			OwningProcessID: int32(os.Getpid()),
			StartedAt:       now,
			LastUpdatedAt:   now,
		},
	}
	require.NoError(t, st.Write(activeWorkDoc, records))

	m.pidAlive = func(pid int32) bool { return pid == 222 }

	orphaned, err := m.GetIncompleteWork(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, "dead-task", orphaned[0].TaskID)

	// The probe result is stable: a second scan reports the same orphan,
	// not a duplicate set.
	orphaned, err = m.GetIncompleteWork(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
}

func TestManager_ResumeWorkTakesOwnership(t *testing.T) {
	m, st := newTestManager(t, taskMap{})
	ctx := context.Background()

	now := time.Now()
	records := map[string]*model.CheckpointRecord{
		"t1": {
			TaskID:          "t1",
			TaskType:        "chapter_draft",
			Phase:           "review",
			PhaseOutputs:    map[string]any{"words": 4200},
			OwningProcessID: 111,
			StartedAt:       now.Add(-time.Hour),
			LastUpdatedAt:   now.Add(-time.Hour),
		},
	}
	require.NoError(t, st.Write(activeWorkDoc, records))

	// The workflow maps a crash during review back to draft.
	resumeFrom, err := m.ResumeWork(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "draft", resumeFrom)

	record, err := m.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int32(os.Getpid()), record.OwningProcessID)
	require.Equal(t, float64(4200), record.PhaseOutputs["words"])
}

func TestManager_DiscardCheckpoint(t *testing.T) {
	m, _ := newTestManager(t, taskMap{"t1": pendingTask("t1")})
	ctx := context.Background()

	require.NoError(t, m.StartWork(ctx, "t1", "chapter_draft", "run-1"))
	require.NoError(t, m.DiscardCheckpoint(ctx, "t1"))

	_, err := m.GetCheckpoint(ctx, "t1")
	require.True(t, errors.Is(err, ErrTaskNotFound))

	err = m.DiscardCheckpoint(ctx, "t1")
	require.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestWriteGroup_JoinCollectsErrors(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	group := NewWriteGroup(2, logger)

	var executed atomic.Int32
	for i := 0; i < 5; i++ {
		i := i
		group.Submit("t1", "draft", func() error {
			executed.Add(1)
			if i == 3 {
				return errors.New("disk full")
			}
			return nil
		})
	}

	errs := group.Join()
	require.Equal(t, int32(5), executed.Load())
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "disk full")
}

func TestWriteGroup_JoinWithNoWrites(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	group := NewWriteGroup(4, logger)
	require.Empty(t, group.Join())
}
