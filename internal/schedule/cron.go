package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/model"
	"github.com/DaveCBeck/thala-sub003/internal/queue"
)

// CronScheduler submits recurring tasks into the queue whenever their cron
// expressions fire. Schedules come from configuration; the queue itself
// stays the single source of truth for pending work.
type CronScheduler struct {
	logger    *zap.Logger
	queue     *queue.Manager
	cron      *cron.Cron
	schedules sync.Map
	entryIDs  sync.Map
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewCronScheduler creates a scheduler that enqueues into q.
func NewCronScheduler(q *queue.Manager, logger *zap.Logger) *CronScheduler {
	named := logger.Named("cron-scheduler")
	cronOptions := []cron.Option{
		cron.WithChain(cron.Recover(&cronLogger{logger: named})),
	}

	return &CronScheduler{
		logger: named,
		queue:  q,
		cron:   cron.New(cronOptions...),
	}
}

// Start starts firing schedules.
func (s *CronScheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for in-flight jobs.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddSchedule registers a recurring schedule.
func (s *CronScheduler) AddSchedule(schedule *model.RecurringSchedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}

	spec, err := cron.ParseStandard(schedule.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.Expression, err)
	}

	s.schedules.Store(schedule.ID, schedule)

	entryID, err := s.cron.AddJob(schedule.Expression, &cronJob{
		scheduler: s,
		schedule:  schedule,
	})
	if err != nil {
		s.schedules.Delete(schedule.ID)
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryIDs.Store(schedule.ID, entryID)

	next := spec.Next(time.Now())
	schedule.NextRunTime = &next

	s.logger.Info("Added recurring schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("expression", schedule.Expression),
		zap.String("task_type", schedule.TaskType),
		zap.Time("next_run", next))
	return nil
}

// RemoveSchedule removes a recurring schedule.
func (s *CronScheduler) RemoveSchedule(id string) error {
	entryIDVal, ok := s.entryIDs.Load(id)
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}

	s.cron.Remove(entryIDVal.(cron.EntryID))
	s.entryIDs.Delete(id)
	s.schedules.Delete(id)

	s.logger.Info("Removed recurring schedule", zap.String("id", id))
	return nil
}

// ListSchedules lists all registered schedules.
func (s *CronScheduler) ListSchedules() []*model.RecurringSchedule {
	var schedules []*model.RecurringSchedule
	s.schedules.Range(func(key, value interface{}) bool {
		schedules = append(schedules, value.(*model.RecurringSchedule))
		return true
	})
	return schedules
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	schedule  *model.RecurringSchedule
}

// Run submits a new task into the queue.
func (j *cronJob) Run() {
	now := time.Now()
	j.schedule.LastRunTime = &now

	if spec, err := cron.ParseStandard(j.schedule.Expression); err == nil {
		next := spec.Next(now)
		j.schedule.NextRunTime = &next
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	taskID, err := j.scheduler.queue.AddTask(ctx,
		j.schedule.TaskType,
		j.schedule.Category,
		j.schedule.Priority,
		j.schedule.Payload,
		j.schedule.Quality,
	)
	if err != nil {
		j.scheduler.logger.Error("Failed to enqueue scheduled task",
			zap.String("schedule_id", j.schedule.ID),
			zap.String("name", j.schedule.Name),
			zap.Error(err))
		return
	}

	j.scheduler.logger.Info("Scheduled task enqueued",
		zap.String("schedule_id", j.schedule.ID),
		zap.String("name", j.schedule.Name),
		zap.String("task_id", taskID))
}
