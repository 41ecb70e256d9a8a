package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/model"
)

const (
	streamName   = "QUEUE_EVENTS"
	eventSubject = "queue.task.%s"
	statsSubject = "queue.stats"
	streamMaxAge = 24 * time.Hour
)

// Event types published on task lifecycle transitions.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventDeferred  = "deferred"
	EventCanceled  = "canceled"
)

// TaskEvent is the wire form of a lifecycle event
type TaskEvent struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Category  string    `json:"category"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits task lifecycle events and run stats to JetStream. A nil
// Publisher is valid and drops everything, so event publishing stays
// optional. Publish failures are logged, never fatal: events are
// observability, not bookkeeping.
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates a publisher and ensures the event stream exists.
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"queue.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to create event stream: %w", err)
	}

	return &Publisher{
		logger: logger.Named("events"),
		js:     js,
	}, nil
}

// PublishTaskEvent publishes a lifecycle event for a task.
func (p *Publisher) PublishTaskEvent(eventType string, task *model.Task, reason string) {
	if p == nil {
		return
	}

	event := TaskEvent{
		Type:      eventType,
		TaskID:    task.ID,
		TaskType:  task.TaskType,
		Category:  task.Category,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal task event",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	if _, err := p.js.Publish(fmt.Sprintf(eventSubject, eventType), data); err != nil {
		p.logger.Error("Failed to publish task event",
			zap.String("task_id", task.ID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

// PublishStats publishes a run stats sample.
func (p *Publisher) PublishStats(ctx context.Context, stats *model.RunStats) {
	if p == nil {
		return
	}

	data, err := json.Marshal(stats)
	if err != nil {
		p.logger.Error("Failed to marshal run stats", zap.Error(err))
		return
	}

	if _, err := p.js.Publish(statsSubject, data); err != nil {
		p.logger.Error("Failed to publish run stats", zap.Error(err))
	}
}
