package jobmodule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuebase/cuebase/internal/config"
	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/metrics"
)

// JobHandler executes one claimed job. The returned string is stored
// as the job result; a non-nil error fails the job with err.Error().
type JobHandler func(ctx context.Context, job *database.Job) (string, error)

// Dispatcher polls the store for queued jobs and runs them on a
// bounded set of goroutines. Handlers are registered per job kind
// before Start.
type Dispatcher struct {
	store    *JobStore
	eventBus events.EventBus

	mu       sync.RWMutex
	handlers map[database.JobKind]JobHandler

	pollInterval  time.Duration
	maxConcurrent int

	inflight atomic.Int64

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given store. The event
// bus may be nil.
func NewDispatcher(store *JobStore, eventBus events.EventBus, cfg config.JobsConfig) *Dispatcher {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Dispatcher{
		store:         store,
		eventBus:      eventBus,
		handlers:      make(map[database.JobKind]JobHandler),
		pollInterval:  pollInterval,
		maxConcurrent: maxConcurrent,
	}
}

// RegisterHandler installs the handler for one job kind, replacing
// any previous one.
func (d *Dispatcher) RegisterHandler(kind database.JobKind, handler JobHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

// Start launches the poll loop. Starting a running dispatcher is a
// no-op.
func (d *Dispatcher) Start() error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running {
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true

	d.wg.Add(1)
	go d.pollLoop()

	logger.Info("Job dispatcher started poll_interval=%s max_concurrent=%d", d.pollInterval, d.maxConcurrent)
	return nil
}

// Stop cancels the poll loop and waits for in-flight jobs to finish.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.runMu.Unlock()

	d.wg.Wait()
	logger.Info("Job dispatcher stopped")
}

// Running reports how many jobs are currently executing.
func (d *Dispatcher) Running() int {
	return int(d.inflight.Load())
}

func (d *Dispatcher) pollLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.dispatchReady()
		}
	}
}

// dispatchReady claims as many queued jobs as free worker slots allow.
func (d *Dispatcher) dispatchReady() {
	free := d.maxConcurrent - int(d.inflight.Load())
	if free <= 0 {
		return
	}

	jobs, err := d.store.NextQueued(free)
	if err != nil {
		if errors.Is(err, ErrStoreClosed) {
			return
		}
		logger.Error("Failed to poll queued jobs: %v", err)
		return
	}

	for i := range jobs {
		claimed, err := d.store.MarkRunning(jobs[i].ID)
		if err != nil {
			// Lost the claim; something else advanced the job first.
			continue
		}

		d.inflight.Add(1)
		metrics.JobsRunning.Inc()
		d.wg.Add(1)
		go d.execute(claimed)
	}
}

func (d *Dispatcher) execute(job *database.Job) {
	defer d.wg.Done()
	defer func() {
		d.inflight.Add(-1)
		metrics.JobsRunning.Dec()
	}()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in job handler job=%s kind=%s: %v", job.ID, job.Kind, r)
			d.fail(job, fmt.Sprintf("handler panicked: %v", r), start)
		}
	}()

	handler := d.handler(job.Kind)
	if handler == nil {
		d.fail(job, fmt.Sprintf("no handler registered for kind %q", job.Kind), start)
		return
	}

	logger.Info("Job started id=%s kind=%s", job.ID, job.Kind)
	result, err := handler(d.ctx, job)
	if err != nil {
		d.fail(job, err.Error(), start)
		return
	}
	d.complete(job, result, start)
}

func (d *Dispatcher) handler(kind database.JobKind) JobHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[kind]
}

func (d *Dispatcher) complete(job *database.Job, result string, start time.Time) {
	updated, err := d.store.MarkCompleted(job.ID, result)
	if err != nil {
		logger.Error("Failed to record job completion id=%s: %v", job.ID, err)
		return
	}

	duration := time.Since(start)
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), "completed").Inc()
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(duration.Seconds())
	logger.Info("Job completed id=%s kind=%s duration=%s", job.ID, job.Kind, duration.Round(time.Millisecond))

	d.publish(events.EventJobCompleted, updated, "Job completed")
}

func (d *Dispatcher) fail(job *database.Job, message string, start time.Time) {
	updated, err := d.store.MarkFailed(job.ID, message)
	if err != nil {
		logger.Error("Failed to record job failure id=%s: %v", job.ID, err)
		return
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), "failed").Inc()
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())
	logger.Warn("Job failed id=%s kind=%s error=%s", job.ID, job.Kind, message)

	d.publish(events.EventJobFailed, updated, "Job failed")
}

func (d *Dispatcher) publish(eventType events.EventType, job *database.Job, title string) {
	if d.eventBus == nil {
		return
	}
	event := events.NewEvent(eventType, "jobs", title, fmt.Sprintf("%s job %s", job.Kind, job.ID))
	event.Data = events.JobData{
		JobID:  job.ID,
		Kind:   string(job.Kind),
		Status: string(job.Status),
		Error:  job.Error,
	}.Map()
	if err := d.eventBus.PublishAsync(event); err != nil {
		logger.Debug("Failed to publish %s event: %v", eventType, err)
	}
}
