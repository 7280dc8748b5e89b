package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mousehunter/crawler/pkg/broker"
	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/events"
	"github.com/mousehunter/crawler/pkg/handler"
	"github.com/mousehunter/crawler/pkg/injector"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/metrics"
	"github.com/mousehunter/crawler/pkg/types"
)

const (
	dequeueBlockTimeout = 5 * time.Second
	backpressurePause   = time.Second
	dequeueErrorPause   = 5 * time.Second

	heartbeatInterval = 30 * time.Second
	registrationTTL   = 120 * time.Second

	deadlineScanInterval = 10 * time.Second
	pumpInterval         = 30 * time.Second

	// re-enqueue delays
	rejectDelay       = 60 * time.Second
	timeoutRetryDelay = 300 * time.Second
	baseRetryDelay    = 60 * time.Second
	maxRetryDelay     = 300 * time.Second
)

// ExecutionRecord tracks one in-flight task.
type ExecutionRecord struct {
	ExecutionID string
	Task        *types.Task
	StartedAt   time.Time
	Deadline    time.Time

	// cancel aborts the handler context. Set before the record enters
	// the active map and never rewritten, so the deadline monitor and
	// the drain path read it without further locking.
	cancel   context.CancelFunc
	finished atomic.Bool
}

// tryFinish claims the right to classify this execution's outcome.
// Exactly one of the dispatch goroutine and the deadline monitor wins.
func (r *ExecutionRecord) tryFinish() bool {
	return r.finished.CompareAndSwap(false, true)
}

// Consumer pulls tasks from the broker and runs them through the
// handler registry under bounded concurrency.
type Consumer struct {
	cfg      config.WorkerConfig
	gw       *broker.Gateway
	inj      *injector.Service
	registry *handler.Registry
	bus      *events.Broker
	logger   zerolog.Logger

	slots          *semaphore.Weighted
	allowedTypes   map[string]bool
	allowedMarkets map[types.Market]bool

	running   atomic.Bool
	accepting atomic.Bool

	mu     sync.Mutex
	active map[string]*ExecutionRecord

	statsMu sync.Mutex
	stats   types.WorkerStats

	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewConsumer creates a task consumer. The event bus may be nil when no
// lifecycle observability is wanted.
func NewConsumer(cfg config.WorkerConfig, gw *broker.Gateway, inj *injector.Service, registry *handler.Registry, bus *events.Broker) *Consumer {
	allowedTypes := make(map[string]bool, len(cfg.SupportedTaskTypes))
	for _, t := range cfg.SupportedTaskTypes {
		allowedTypes[t] = true
	}
	allowedMarkets := make(map[types.Market]bool, len(cfg.SupportedMarkets))
	for _, m := range cfg.SupportedMarkets {
		allowedMarkets[m] = true
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:            cfg,
		gw:             gw,
		inj:            inj,
		registry:       registry,
		bus:            bus,
		logger:         log.WithWorkerID(cfg.WorkerID),
		slots:          semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		allowedTypes:   allowedTypes,
		allowedMarkets: allowedMarkets,
		active:         make(map[string]*ExecutionRecord),
		stats:          types.WorkerStats{StartTime: time.Now()},
		baseCtx:        baseCtx,
		cancel:         cancel,
		stopCh:         make(chan struct{}),
	}
}

// Initialize verifies the broker connection and publishes this worker's
// registration.
func (c *Consumer) Initialize(ctx context.Context) error {
	if err := c.gw.Ping(ctx); err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	if err := c.register(ctx); err != nil {
		return err
	}
	c.publish(events.NewWorkerEvent(events.EventWorkerRegistered, c.cfg.WorkerID, "worker registered"))
	c.logger.Info().
		Int("max_concurrent_tasks", c.cfg.MaxConcurrentTasks).
		Strs("task_types", c.cfg.SupportedTaskTypes).
		Msg("worker initialized")
	return nil
}

// Start launches the dequeue loops and the background loops. Must be
// called after Initialize.
func (c *Consumer) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.accepting.Store(true)

	for _, priority := range c.cfg.QueuePriorities {
		c.wg.Add(1)
		go c.dequeueLoop(priority)
	}

	c.wg.Add(3)
	go c.heartbeatLoop()
	go c.deadlineMonitorLoop()
	go c.pumpLoop()

	c.logger.Info().Int("priorities", len(c.cfg.QueuePriorities)).Msg("consumer started")
}

// StopIntake stops the dequeue loops at their next iteration while
// in-flight executions continue. Used by the drain controller.
func (c *Consumer) StopIntake() {
	c.accepting.Store(false)
}

// AcceptingTasks reports whether intake is open.
func (c *Consumer) AcceptingTasks() bool {
	return c.accepting.Load()
}

// Stop tears the consumer down: intake closed, all loop goroutines
// stopped, in-flight handler contexts cancelled.
func (c *Consumer) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.accepting.Store(false)
	close(c.stopCh)
	c.cancel()
	c.wg.Wait()
	c.publish(events.NewWorkerEvent(events.EventWorkerStopped, c.cfg.WorkerID, "consumer stopped"))
	c.logger.Info().Msg("consumer stopped")
}

// Deregister removes this worker's registration so the fleet sees it
// leaving.
func (c *Consumer) Deregister(ctx context.Context) error {
	if err := c.gw.CacheDelete(ctx, "worker:"+c.cfg.WorkerID); err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	return nil
}

// ActiveCount returns the number of in-flight executions.
func (c *Consumer) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// ActiveExecutionCount implements the metrics gauge source.
func (c *Consumer) ActiveExecutionCount() int {
	return c.ActiveCount()
}

// ActiveSnapshot returns a copy of the active execution list.
func (c *Consumer) ActiveSnapshot() []*ExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]*ExecutionRecord, 0, len(c.active))
	for _, rec := range c.active {
		records = append(records, rec)
	}
	return records
}

// Stats returns a copy of the consumer counters.
func (c *Consumer) Stats() types.WorkerStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// ScanDeadlines sweeps the active map and forces the timeout path for
// any execution past its deadline. Returns how many were expired. Called
// periodically by the monitor loop and on each drain poll.
func (c *Consumer) ScanDeadlines() int {
	now := time.Now()
	expired := 0
	for _, rec := range c.ActiveSnapshot() {
		if rec.Deadline.After(now) {
			continue
		}
		rec.cancel()
		if rec.tryFinish() {
			c.logger.Warn().
				Str("task_id", rec.Task.TaskID).
				Str("execution_id", rec.ExecutionID).
				Msg("execution exceeded deadline")
			c.handleTimeout(rec)
			c.removeActive(rec.ExecutionID)
			expired++
		}
	}
	return expired
}

// RequeueActive returns every remaining in-flight task to the queue
// with an incremented retry count. Used by the drain controller once the
// grace window has elapsed. Returns the number requeued.
func (c *Consumer) RequeueActive(ctx context.Context) int {
	requeued := 0
	for _, rec := range c.ActiveSnapshot() {
		rec.cancel()
		rec.tryFinish()

		// Requeue a copy: the cancelled handler may still be reading
		// the original task.
		retry := *rec.Task
		retry.RetryCount++
		if err := c.gw.Enqueue(ctx, &retry, 0); err != nil {
			c.logger.Error().Err(err).Str("task_id", retry.TaskID).Msg("failed to requeue task during drain")
			c.updateStatus(ctx, retry.TaskID, types.StatusFailed, map[string]string{
				"reason": "requeue_failed",
				"error":  err.Error(),
			})
		} else {
			c.updateStatus(ctx, retry.TaskID, types.StatusPendingRetry, map[string]string{
				"reason":      "graceful_shutdown",
				"requeued_at": time.Now().UTC().Format(time.RFC3339),
				"retry_count": strconv.Itoa(retry.RetryCount),
			})
			c.publish(events.NewTaskEvent(events.EventTaskRequeued, &retry, "requeued during drain"))
			requeued++
		}
		c.removeActive(rec.ExecutionID)
	}
	return requeued
}

func (c *Consumer) dequeueLoop(priority types.Priority) {
	defer c.wg.Done()
	logger := c.logger.With().Str("queue", priority.QueueName()).Logger()

	for c.running.Load() && c.accepting.Load() {
		// Hold a slot before dequeuing: never pull work that cannot run.
		if !c.slots.TryAcquire(1) {
			c.pause(backpressurePause)
			continue
		}

		task, err := c.gw.Dequeue(c.baseCtx, priority, dequeueBlockTimeout)
		if err != nil {
			c.slots.Release(1)
			if c.baseCtx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			c.pause(dequeueErrorPause)
			continue
		}
		if task == nil {
			c.slots.Release(1)
			continue
		}

		// Intake may have closed while we were blocked in dequeue.
		// Hand the task back instead of starting it mid-drain.
		if !c.accepting.Load() {
			c.slots.Release(1)
			if err := c.gw.Enqueue(c.baseCtx, task, 0); err != nil {
				logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to return task after intake close")
			}
			return
		}

		if !c.allowed(task) {
			c.slots.Release(1)
			c.rejectTask(task)
			continue
		}

		rec := &ExecutionRecord{
			ExecutionID: uuid.New().String(),
			Task:        task,
			StartedAt:   time.Now(),
			Deadline:    time.Now().Add(c.cfg.TaskTimeout()),
		}
		runCtx, cancel := context.WithDeadline(c.baseCtx, rec.Deadline)
		rec.cancel = cancel
		c.addActive(rec)
		c.bumpConsumed()
		c.publish(events.NewTaskEvent(events.EventTaskDequeued, task, ""))

		go c.dispatch(rec, runCtx)
	}
}

// dispatch runs one execution to completion, racing the handler against
// the record's deadline.
func (c *Consumer) dispatch(rec *ExecutionRecord, runCtx context.Context) {
	defer c.slots.Release(1)
	defer c.removeActive(rec.ExecutionID)
	defer rec.cancel()

	task := rec.Task
	c.updateStatus(c.baseCtx, task.TaskID, types.StatusRunning, map[string]string{
		"worker_id":    c.cfg.WorkerID,
		"execution_id": rec.ExecutionID,
		"started_at":   rec.StartedAt.UTC().Format(time.RFC3339),
	})
	c.publish(events.NewTaskEvent(events.EventTaskStarted, task, ""))

	ictx := c.inj.Prepare(c.baseCtx, task)

	fn, err := c.registry.Lookup(task.TaskType)
	if err != nil {
		// No handler anywhere: permanent, retrying cannot help.
		if rec.tryFinish() {
			c.updateStatus(c.baseCtx, task.TaskID, types.StatusFailed, map[string]string{"error": err.Error()})
			c.bumpFailed()
			c.publish(events.NewTaskEvent(events.EventTaskFailed, task, err.Error()))
		}
		return
	}

	timer := metrics.NewTimer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(runCtx, task, ictx)
	}()

	select {
	case handlerErr := <-errCh:
		duration := timer.Duration()
		if !rec.tryFinish() {
			return // deadline monitor already classified this execution
		}
		if handlerErr == nil {
			c.handleSuccess(rec, ictx, duration)
		} else {
			c.inj.ReportOutcome(ictx, false, duration)
			c.handleFailure(rec, handlerErr)
		}

	case <-runCtx.Done():
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return // drain teardown, not a timeout
		}
		if !rec.tryFinish() {
			return
		}
		c.inj.ReportOutcome(ictx, false, timer.Duration())
		c.handleTimeout(rec)
	}
}

func (c *Consumer) handleSuccess(rec *ExecutionRecord, ictx *injector.Context, duration time.Duration) {
	task := rec.Task
	c.inj.ReportOutcome(ictx, true, duration)
	c.updateStatus(c.baseCtx, task.TaskID, types.StatusSuccess, map[string]string{
		"completed_at": time.Now().UTC().Format(time.RFC3339),
		"duration":     fmt.Sprintf("%.3f", duration.Seconds()),
	})
	c.bumpSuccessful()
	metrics.TaskDuration.WithLabelValues(task.TaskType).Observe(duration.Seconds())
	c.publish(events.NewTaskEvent(events.EventTaskSucceeded, task, ""))
}

func (c *Consumer) handleFailure(rec *ExecutionRecord, handlerErr error) {
	task := rec.Task
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		delay := retryDelay(task.RetryCount)
		c.updateStatus(c.baseCtx, task.TaskID, types.StatusRetry, map[string]string{
			"error":       handlerErr.Error(),
			"retry_count": strconv.Itoa(task.RetryCount),
			"delay":       delay.String(),
		})
		if err := c.gw.Enqueue(c.baseCtx, task, delay); err != nil {
			c.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to re-enqueue for retry")
		}
		c.bumpRetry()
		c.publish(events.NewTaskEvent(events.EventTaskRetried, task, handlerErr.Error()))
		return
	}

	c.updateStatus(c.baseCtx, task.TaskID, types.StatusFailed, map[string]string{
		"error":             handlerErr.Error(),
		"final_retry_count": strconv.Itoa(task.RetryCount),
	})
	c.bumpFailed()
	c.publish(events.NewTaskEvent(events.EventTaskFailed, task, handlerErr.Error()))
}

func (c *Consumer) handleTimeout(rec *ExecutionRecord) {
	task := rec.Task
	if task.RetryCount < task.MaxRetries {
		// Re-enqueue a copy: the timed-out handler may still be
		// reading the original task.
		retry := *task
		retry.RetryCount++
		c.updateStatus(c.baseCtx, task.TaskID, types.StatusRetry, map[string]string{
			"error":       "deadline exceeded",
			"retry_count": strconv.Itoa(retry.RetryCount),
			"delay":       timeoutRetryDelay.String(),
		})
		if err := c.gw.Enqueue(c.baseCtx, &retry, timeoutRetryDelay); err != nil {
			c.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to re-enqueue after timeout")
		}
	} else {
		c.updateStatus(c.baseCtx, task.TaskID, types.StatusTimeout, map[string]string{
			"final_retry_count": strconv.Itoa(task.RetryCount),
		})
	}
	c.bumpTimeout()
	c.publish(events.NewTaskEvent(events.EventTaskTimeout, task, ""))
}

// rejectTask downgrades a task this worker cannot run and parks it on
// the LOW queue so it stops thrashing the hot queues.
func (c *Consumer) rejectTask(task *types.Task) {
	c.logger.Debug().
		Str("task_id", task.TaskID).
		Str("task_type", task.TaskType).
		Str("market", string(task.Market)).
		Msg("task does not match worker filters, downgrading")

	task.Priority = types.PriorityLow
	if err := c.gw.Enqueue(c.baseCtx, task, rejectDelay); err != nil {
		c.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to re-enqueue rejected task")
	}
	c.publish(events.NewTaskEvent(events.EventTaskRejected, task, "filter mismatch"))
}

func (c *Consumer) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Error().Err(err).Msg("heartbeat failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Consumer) sendHeartbeat() error {
	status := types.WorkerStatus{
		WorkerID:    c.cfg.WorkerID,
		Running:     c.running.Load(),
		ActiveTasks: c.ActiveCount(),
		Stats:       c.Stats(),
		ReportedAt:  time.Now(),
	}
	if err := c.gw.CacheSet(c.baseCtx, "worker_status:"+c.cfg.WorkerID, status, registrationTTL); err != nil {
		return fmt.Errorf("failed to publish worker status: %w", err)
	}
	return c.register(c.baseCtx)
}

func (c *Consumer) register(ctx context.Context) error {
	info := types.WorkerInfo{
		WorkerID:           c.cfg.WorkerID,
		Service:            config.ServiceName,
		MaxConcurrentTasks: c.cfg.MaxConcurrentTasks,
		TaskTimeoutSeconds: c.cfg.TaskTimeoutSeconds,
		SupportedTaskTypes: c.cfg.SupportedTaskTypes,
		SupportedMarkets:   c.cfg.SupportedMarkets,
		QueuePriorities:    c.cfg.QueuePriorities,
		RegisteredAt:       time.Now(),
	}
	if err := c.gw.CacheSet(ctx, "worker:"+c.cfg.WorkerID, info, registrationTTL); err != nil {
		return fmt.Errorf("failed to publish worker registration: %w", err)
	}
	return nil
}

func (c *Consumer) deadlineMonitorLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(deadlineScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.ScanDeadlines()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Consumer) pumpLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			promoted, err := c.gw.PumpDelayed(c.baseCtx)
			if err != nil {
				if c.baseCtx.Err() == nil {
					c.logger.Error().Err(err).Msg("delayed pump failed")
				}
				continue
			}
			if promoted > 0 {
				c.logger.Debug().Int("promoted", promoted).Msg("promoted delayed tasks")
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Consumer) allowed(task *types.Task) bool {
	return c.allowedTypes[task.TaskType] && c.allowedMarkets[task.Market]
}

func (c *Consumer) addActive(rec *ExecutionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[rec.ExecutionID] = rec
}

func (c *Consumer) removeActive(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, executionID)
}

func (c *Consumer) pause(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.stopCh:
	}
}

func (c *Consumer) publish(ev *events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Consumer) updateStatus(ctx context.Context, taskID string, status types.Status, details map[string]string) {
	if err := c.gw.UpdateTaskStatus(ctx, taskID, status, details); err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("status update failed")
	}
}

func (c *Consumer) bumpConsumed() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Consumed++
	c.stats.LastTaskAt = time.Now()
}

func (c *Consumer) bumpSuccessful() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Successful++
}

func (c *Consumer) bumpFailed() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Failed++
}

func (c *Consumer) bumpTimeout() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Timeout++
}

func (c *Consumer) bumpRetry() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Retry++
}

// retryDelay computes the backoff before retry attempt n: 60s doubling
// per attempt, capped at 5 minutes.
func retryDelay(retryCount int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
