package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/events"
	"github.com/DaveCBeck/thala-sub003/internal/model"
	"github.com/DaveCBeck/thala-sub003/internal/testutil"
)

func TestPublisher_PublishTaskEvent(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger, _ := zap.NewDevelopment()
	publisher, err := events.NewPublisher(js, logger)
	require.NoError(t, err)

	task := &model.Task{
		ID:       "t1",
		TaskType: "chapter_draft",
		Category: "philosophy",
		Status:   model.TaskStatusCompleted,
	}
	publisher.PublishTaskEvent(events.EventCompleted, task, "")

	messages := testutil.ConsumeMessages(t, js, "queue.task.completed", 2*time.Second)
	require.Len(t, messages, 1)

	var event events.TaskEvent
	require.NoError(t, json.Unmarshal(messages[0], &event))
	require.Equal(t, events.EventCompleted, event.Type)
	require.Equal(t, "t1", event.TaskID)
	require.Equal(t, "philosophy", event.Category)
	require.False(t, event.Timestamp.IsZero())
}

func TestPublisher_PublishStats(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger, _ := zap.NewDevelopment()
	publisher, err := events.NewPublisher(js, logger)
	require.NoError(t, err)

	publisher.PublishStats(context.Background(), &model.RunStats{
		InProgressTasks: 2,
		CPUUsage:        12.5,
		CollectedAt:     time.Now(),
	})

	messages := testutil.ConsumeMessages(t, js, "queue.stats", 2*time.Second)
	require.Len(t, messages, 1)

	var stats model.RunStats
	require.NoError(t, json.Unmarshal(messages[0], &stats))
	require.Equal(t, 2, stats.InProgressTasks)
}

func TestPublisher_NilPublisherDropsEvents(t *testing.T) {
	var publisher *events.Publisher

	// Must not panic: a nil publisher is how event publishing stays
	// optional.
	publisher.PublishTaskEvent(events.EventStarted, &model.Task{ID: "t1"}, "")
	publisher.PublishStats(context.Background(), &model.RunStats{})
}

func TestPublisher_StreamAlreadyExists(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger, _ := zap.NewDevelopment()
	_, err := events.NewPublisher(js, logger)
	require.NoError(t, err)

	// A second publisher over the same stream is fine.
	_, err = events.NewPublisher(js, logger)
	require.NoError(t, err)
}
