package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/budget"
	"github.com/DaveCBeck/thala-sub003/internal/checkpoint"
	"github.com/DaveCBeck/thala-sub003/internal/events"
	"github.com/DaveCBeck/thala-sub003/internal/model"
	"github.com/DaveCBeck/thala-sub003/internal/queue"
	"github.com/DaveCBeck/thala-sub003/internal/workflow"
)

const defaultMaxInFlightWrites = 8

// Outcome classifies the result of a single run attempt
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// RunResult describes what a RunSingleTask call did
type RunResult struct {
	Outcome     Outcome
	TaskID      string
	Reason      string
	OutputPaths []string
}

// Archive records terminal task executions. A nil archive is valid.
type Archive interface {
	Record(ctx context.Context, task *model.Task) error
}

// Runner is the control loop: it pulls an eligible task from the queue,
// consults the budget tracker, starts or resumes a checkpoint, dispatches to
// the registered workflow, and reconciles the final status.
type Runner struct {
	logger      *zap.Logger
	queue       *queue.Manager
	checkpoints *checkpoint.Manager
	budget      *budget.Tracker
	registry    *workflow.Registry
	archive     Archive
	events      *events.Publisher
}

// New creates a runner. archive and publisher may be nil.
func New(q *queue.Manager, cp *checkpoint.Manager, tracker *budget.Tracker, registry *workflow.Registry, archive Archive, publisher *events.Publisher, logger *zap.Logger) *Runner {
	return &Runner{
		logger:      logger.Named("runner"),
		queue:       q,
		checkpoints: cp,
		budget:      tracker,
		registry:    registry,
		archive:     archive,
		events:      publisher,
	}
}

// RunSingleTask executes at most one task. Abandoned work from dead
// processes is requeued first so it re-enters the normal selection path and
// resumes from its retained checkpoint.
func (r *Runner) RunSingleTask(ctx context.Context) (*RunResult, error) {
	resumable, err := r.recoverAbandoned(ctx)
	if err != nil {
		return nil, err
	}

	task, err := r.queue.NextEligibleTask(ctx)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &RunResult{Outcome: OutcomeIdle, Reason: "no eligible task"}, nil
	}

	wf, err := r.registry.Get(task.TaskType)
	if err != nil {
		return nil, fmt.Errorf("task %s has unregistered type %s: %w", task.ID, task.TaskType, err)
	}

	allowed, reason := r.budget.ShouldProceed(ctx, wf.ZeroCost())
	if !allowed {
		// Task stays pending; deferral is a normal outcome, not a failure.
		r.logger.Info("Task deferred by budget",
			zap.String("task_id", task.ID),
			zap.String("reason", reason))
		r.events.PublishTaskEvent(events.EventDeferred, task, reason)
		return &RunResult{Outcome: OutcomeDeferred, TaskID: task.ID, Reason: reason}, nil
	}

	resuming := resumable[task.ID]
	costAttributionID := ""
	if resuming {
		if record, err := r.checkpoints.GetCheckpoint(ctx, task.ID); err == nil {
			costAttributionID = record.CostAttributionID
		}
	}
	if costAttributionID == "" {
		costAttributionID = uuid.New().String()
	}

	if err := r.queue.MarkStarted(ctx, task.ID, costAttributionID); err != nil {
		return nil, fmt.Errorf("failed to start task %s: %w", task.ID, err)
	}

	resumeFrom := ""
	if resuming {
		resumeFrom, err = r.checkpoints.ResumeWork(ctx, task.ID)
	} else {
		err = r.checkpoints.StartWork(ctx, task.ID, task.TaskType, costAttributionID)
	}
	if err != nil {
		failErr := fmt.Errorf("failed to open checkpoint for task %s: %w", task.ID, err)
		r.finalizeFailed(task, failErr)
		return &RunResult{Outcome: OutcomeFailed, TaskID: task.ID, Reason: failErr.Error()}, failErr
	}

	return r.execute(ctx, task, wf, resumeFrom)
}

func (r *Runner) execute(ctx context.Context, task *model.Task, wf workflow.Workflow, resumeFrom string) (*RunResult, error) {
	// Checkpoint writes and finalization must land even when the run
	// context is canceled mid-phase.
	writeCtx := context.WithoutCancel(ctx)

	group := checkpoint.NewWriteGroup(defaultMaxInFlightWrites, r.logger)
	checkpointFn := func(phase string, outputs, counters map[string]any) {
		group.Submit(task.ID, phase, func() error {
			if err := r.checkpoints.UpdateCheckpoint(writeCtx, task.ID, phase, outputs, counters); err != nil {
				return err
			}
			if err := r.queue.UpdatePhase(writeCtx, task.ID, phase); err != nil {
				r.logger.Warn("Failed to record current phase on task",
					zap.String("task_id", task.ID),
					zap.String("phase", phase),
					zap.Error(err))
			}
			return nil
		})
	}

	r.logger.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.TaskType),
		zap.String("resume_from", resumeFrom))
	r.events.PublishTaskEvent(events.EventStarted, task, resumeFrom)

	result, runErr := wf.Run(ctx, task, checkpointFn, resumeFrom)

	// Join all outstanding checkpoint writes before any finalization, so
	// the record reflects the last acknowledged phase update.
	if writeErrs := group.Join(); len(writeErrs) > 0 {
		r.logger.Warn("Some checkpoint writes failed",
			zap.String("task_id", task.ID),
			zap.Int("failed_writes", len(writeErrs)))
	}

	switch {
	case runErr == nil:
		paths, err := wf.SaveOutputs(writeCtx, task, result)
		if err != nil {
			saveErr := fmt.Errorf("failed to save outputs for task %s: %w", task.ID, err)
			r.discardCheckpoint(writeCtx, task)
			r.finalizeFailed(task, saveErr)
			return &RunResult{Outcome: OutcomeFailed, TaskID: task.ID, Reason: saveErr.Error()}, saveErr
		}

		r.discardCheckpoint(writeCtx, task)
		if err := r.queue.MarkCompleted(writeCtx, task.ID); err != nil {
			return nil, fmt.Errorf("failed to mark task %s completed: %w", task.ID, err)
		}
		r.archiveTask(writeCtx, task.ID)
		r.events.PublishTaskEvent(events.EventCompleted, task, "")

		r.logger.Info("Task completed",
			zap.String("task_id", task.ID),
			zap.Strings("output_paths", paths))
		return &RunResult{Outcome: OutcomeCompleted, TaskID: task.ID, OutputPaths: paths}, nil

	case errors.Is(runErr, workflow.ErrCanceled) || errors.Is(runErr, context.Canceled):
		// Checkpoint retained, status left in_progress: the next run's
		// orphan recovery makes this resumable. The cancellation is
		// propagated, never absorbed.
		r.logger.Info("Task canceled, checkpoint retained for resume",
			zap.String("task_id", task.ID),
			zap.String("phase", task.CurrentPhase))
		r.events.PublishTaskEvent(events.EventCanceled, task, runErr.Error())
		return &RunResult{Outcome: OutcomeCanceled, TaskID: task.ID, Reason: runErr.Error()}, runErr

	default:
		r.logger.Error("Task failed",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.TaskType),
			zap.String("phase", task.CurrentPhase),
			zap.Error(runErr))
		r.discardCheckpoint(writeCtx, task)
		r.finalizeFailed(task, runErr)
		return &RunResult{Outcome: OutcomeFailed, TaskID: task.ID, Reason: runErr.Error()}, runErr
	}
}

// RunQueueLoop repeatedly runs single tasks, sleeping checkInterval when
// nothing was executed. It stops after maxTasks executions, or runs until
// the context is canceled when maxTasks is zero.
func (r *Runner) RunQueueLoop(ctx context.Context, maxTasks int, checkInterval time.Duration) error {
	executed := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result, err := r.RunSingleTask(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, workflow.ErrCanceled) {
				return err
			}
			r.logger.Error("Run attempt failed", zap.Error(err))
			if result == nil {
				if !r.sleep(ctx, checkInterval) {
					return ctx.Err()
				}
				continue
			}
		}

		switch result.Outcome {
		case OutcomeCompleted, OutcomeFailed:
			executed++
			if maxTasks > 0 && executed >= maxTasks {
				r.logger.Info("Reached max task count, stopping",
					zap.Int("executed", executed))
				return nil
			}
		case OutcomeIdle, OutcomeDeferred:
			if !r.sleep(ctx, checkInterval) {
				return ctx.Err()
			}
		}
	}
}

// recoverAbandoned requeues tasks whose owning process died mid-execution
// and returns their ids, so selection can route them back through a resume.
func (r *Runner) recoverAbandoned(ctx context.Context) (map[string]bool, error) {
	orphaned, err := r.checkpoints.GetIncompleteWork(ctx)
	if err != nil {
		return nil, err
	}

	resumable := make(map[string]bool, len(orphaned))
	for _, record := range orphaned {
		resumable[record.TaskID] = true

		task, err := r.queue.GetTask(ctx, record.TaskID)
		if err != nil {
			r.logger.Warn("Abandoned checkpoint references unknown task",
				zap.String("task_id", record.TaskID),
				zap.Error(err))
			continue
		}
		if task.Status != model.TaskStatusInProgress {
			continue
		}
		if err := r.queue.Requeue(ctx, record.TaskID); err != nil {
			r.logger.Error("Failed to requeue abandoned task",
				zap.String("task_id", record.TaskID),
				zap.Error(err))
			continue
		}
		r.logger.Info("Requeued abandoned task for resume",
			zap.String("task_id", record.TaskID),
			zap.String("last_phase", record.Phase),
			zap.Int32("dead_process_id", record.OwningProcessID))
	}
	return resumable, nil
}

func (r *Runner) finalizeFailed(task *model.Task, cause error) {
	ctx := context.Background()
	if err := r.queue.MarkFailed(ctx, task.ID, cause.Error()); err != nil {
		r.logger.Error("Failed to mark task failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	r.archiveTask(ctx, task.ID)
	r.events.PublishTaskEvent(events.EventFailed, task, cause.Error())
}

func (r *Runner) discardCheckpoint(ctx context.Context, task *model.Task) {
	if err := r.checkpoints.DiscardCheckpoint(ctx, task.ID); err != nil {
		r.logger.Error("Failed to discard checkpoint",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (r *Runner) archiveTask(ctx context.Context, taskID string) {
	if r.archive == nil {
		return
	}
	task, err := r.queue.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Error("Failed to load task for archival",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	if err := r.archive.Record(ctx, task); err != nil {
		r.logger.Error("Failed to archive task execution",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// sleep waits for d or context cancellation, reporting whether the loop
// should continue.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
