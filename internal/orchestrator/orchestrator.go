package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fundarb/harvester/internal/fetcher"
	"github.com/fundarb/harvester/internal/models"
	"github.com/fundarb/harvester/internal/planner"
	"github.com/fundarb/harvester/internal/stats"
	"github.com/fundarb/harvester/internal/storage"
)

// Orchestrator runs the harvest loop: plan the task list, dispatch it to
// a bounded worker pool, drain, report, then sleep out the remainder of
// the cycle interval. One task's failure never terminates the cycle or
// other in-flight tasks.
type Orchestrator struct {
	planner   *planner.Planner
	fetcher   *fetcher.Fetcher
	persister *storage.Persister
	stats     *stats.Collector
	reporter  *Reporter
	workers   int
	interval  time.Duration
	logger    *logrus.Logger

	mu            sync.RWMutex
	lastCycleTime time.Time
	lastRunID     string
}

func NewOrchestrator(
	plan *planner.Planner,
	fetch *fetcher.Fetcher,
	persist *storage.Persister,
	collector *stats.Collector,
	reporter *Reporter,
	workers int,
	interval time.Duration,
	logger *logrus.Logger,
) *Orchestrator {
	if workers <= 0 {
		workers = 4
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Orchestrator{
		planner:   plan,
		fetcher:   fetch,
		persister: persist,
		stats:     collector,
		reporter:  reporter,
		workers:   workers,
		interval:  interval,
		logger:    logger,
	}
}

// Run executes harvest cycles until the context is cancelled. A
// cancellation between cycles stops immediately; mid-cycle, the
// in-flight tasks are allowed to finish so no partial record is left
// behind.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.WithFields(logrus.Fields{
		"workers":  o.workers,
		"interval": o.interval,
	}).Info("Starting harvest loop")

	for {
		start := time.Now()
		o.runCycle(ctx)

		remaining := o.interval - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}

		select {
		case <-ctx.Done():
			o.logger.Info("Harvest loop stopped")
			return
		case <-time.After(remaining):
		}
	}
}

// runCycle performs PLAN, DISPATCH, DRAIN and REPORT for one pass over
// the catalog.
func (o *Orchestrator) runCycle(ctx context.Context) {
	runID := uuid.New().String()
	start := time.Now()

	tasks := o.planner.Plan()

	// Cancellation only stops dispatch. A task already handed to a
	// worker runs on a detached context so a request on the wire or a
	// write in progress finishes on its own timeouts instead of being
	// cut off mid-flight.
	taskCtx := context.WithoutCancel(ctx)

	taskCh := make(chan models.Task)
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				o.runTask(taskCtx, task)
			}
		}()
	}

dispatch:
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		select {
		case taskCh <- task:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(taskCh)
	wg.Wait()

	o.mu.Lock()
	o.lastCycleTime = time.Now().UTC()
	o.lastRunID = runID
	o.mu.Unlock()

	o.reporter.Publish(taskCtx, CycleReport{
		RunID:     runID,
		StartedAt: start.UTC(),
		Duration:  time.Since(start).Round(time.Millisecond).String(),
		Planned:   len(tasks),
		Stats:     o.stats.Summarize(),
		RowCounts: o.persister.RowCounts(),
	})
}

// runTask is the dispatch boundary: fetch, persist, and convert any
// panic or error into a failure stat.
func (o *Orchestrator) runTask(ctx context.Context, task models.Task) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("task panicked: %v", r)
			o.stats.RecordFailure(task.Key(), err)
			o.logger.WithFields(logrus.Fields{
				"task":  task.Key(),
				"panic": r,
			}).Error("Recovered panicking task")
		}
	}()

	payload, err := o.fetcher.Fetch(ctx, task)
	if err != nil || payload == nil {
		// Skips and fetch failures are already recorded by the fetcher.
		return
	}

	if err := o.persister.Store(ctx, task, payload); err != nil {
		o.stats.RecordFailure(task.Key(), err)
		o.logger.WithFields(logrus.Fields{
			"task":  task.Key(),
			"error": err.Error(),
		}).Error("Failed to persist payload")
	}
}

// LastCycle reports when the most recent cycle finished and its run id.
func (o *Orchestrator) LastCycle() (time.Time, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastCycleTime, o.lastRunID
}
