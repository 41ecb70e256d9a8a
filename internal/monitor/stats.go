package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/events"
	"github.com/DaveCBeck/thala-sub003/internal/model"
	"github.com/DaveCBeck/thala-sub003/internal/queue"
)

// StatsReporter samples host resource usage and the in-progress task count
// while the queue loop runs, publishing each sample via the event stream.
type StatsReporter struct {
	logger   *zap.Logger
	queue    *queue.Manager
	events   *events.Publisher
	interval time.Duration

	mu    sync.RWMutex
	stats model.RunStats
}

// NewStatsReporter creates a stats reporter. publisher may be nil, in which
// case samples are only logged.
func NewStatsReporter(q *queue.Manager, publisher *events.Publisher, interval time.Duration, logger *zap.Logger) *StatsReporter {
	return &StatsReporter{
		logger:   logger.Named("stats-reporter"),
		queue:    q,
		events:   publisher,
		interval: interval,
	}
}

// Start samples until the context is canceled.
func (r *StatsReporter) Start(ctx context.Context) {
	go r.collectLoop(ctx)
}

// Current returns the most recent sample.
func (r *StatsReporter) Current() model.RunStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *StatsReporter) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.collect(ctx)
		}
	}
}

func (r *StatsReporter) collect(ctx context.Context) {
	stats := model.RunStats{CollectedAt: time.Now()}

	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		r.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		r.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
	}

	snapshot, err := r.queue.GetSnapshot(ctx)
	if err != nil {
		r.logger.Error("Failed to read queue snapshot", zap.Error(err))
	} else {
		stats.InProgressTasks = snapshot.Counts[model.TaskStatusInProgress]
	}

	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()

	r.events.PublishStats(ctx, &stats)

	r.logger.Debug("Run stats collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage),
		zap.Int("in_progress_tasks", stats.InProgressTasks))
}
