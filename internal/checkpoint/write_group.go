package checkpoint

import (
	"sync"

	"go.uber.org/zap"
)

// WriteGroup collects fire-and-forget checkpoint writes so the owning
// caller can join them before finalizing a task or exiting. In-flight
// writes are bounded; Submit blocks once the bound is reached. Each failed
// write is logged individually with its sequence and phase, and does not
// abort sibling writes.
type WriteGroup struct {
	logger *zap.Logger
	sem    chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	seq  int
	errs []error
}

// NewWriteGroup creates a write group allowing up to maxInFlight concurrent
// writes.
func NewWriteGroup(maxInFlight int, logger *zap.Logger) *WriteGroup {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &WriteGroup{
		logger: logger.Named("checkpoint-writes"),
		sem:    make(chan struct{}, maxInFlight),
	}
}

// Submit schedules a checkpoint write without waiting for it to land.
func (g *WriteGroup) Submit(taskID, phase string, write func() error) {
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	g.wg.Add(1)
	g.sem <- struct{}{}
	go func() {
		defer g.wg.Done()
		defer func() { <-g.sem }()

		if err := write(); err != nil {
			g.logger.Error("Checkpoint write failed",
				zap.Int("write_seq", seq),
				zap.String("task_id", taskID),
				zap.String("phase", phase),
				zap.Error(err))
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()
}

// Join waits for all outstanding writes and returns the individual errors
// collected so far. It must be called before the task is declared complete
// or the process exits.
func (g *WriteGroup) Join() []error {
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	errs := make([]error, len(g.errs))
	copy(errs, g.errs)
	return errs
}
