package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mousehunter/crawler/pkg/broker"
	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/handler"
	"github.com/mousehunter/crawler/pkg/injector"
	"github.com/mousehunter/crawler/pkg/types"
)

func testWorkerConfig() config.WorkerConfig {
	cfg := config.Default().Worker
	cfg.WorkerID = "w-test"
	cfg.TaskTimeoutSeconds = 30
	return cfg
}

func newTestConsumer(t *testing.T, registry *handler.Registry, mutate func(*config.WorkerConfig)) (*Consumer, *broker.Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	gw := broker.NewGateway(config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = gw.Close() })

	cfg := testWorkerConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	injCfg := config.Default().Injector
	injCfg.EnableProxyInjection = false
	injCfg.EnableCredentialInject = false
	inj := injector.NewService(injCfg, gw, nil)
	t.Cleanup(inj.Stop)

	c := NewConsumer(cfg, gw, inj, registry, nil)
	t.Cleanup(c.Stop)
	return c, gw, mr
}

func registryWith(fn handler.Func) *handler.Registry {
	r := handler.NewRegistry()
	r.SetDefault(fn)
	return r
}

func enqueue(t *testing.T, gw *broker.Gateway, task *types.Task) {
	t.Helper()
	require.NoError(t, gw.Enqueue(context.Background(), task, 0))
}

func newTask(id string, retryCount, maxRetries int) *types.Task {
	return &types.Task{
		TaskID:     id,
		TaskType:   types.TaskType1mRealtime,
		Market:     types.MarketCN,
		Symbol:     "SH600000",
		Priority:   types.PriorityHigh,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now(),
	}
}

func statusesOf(t *testing.T, gw *broker.Gateway, taskID string) []types.Status {
	t.Helper()
	events, err := gw.TaskStatusLog(context.Background(), taskID)
	require.NoError(t, err)
	statuses := make([]types.Status, len(events))
	for i, ev := range events {
		statuses[i] = ev.Status
	}
	return statuses
}

func TestHappyPath(t *testing.T) {
	done := make(chan *types.Task, 1)
	reg := registryWith(func(_ context.Context, task *types.Task, _ *injector.Context) error {
		done <- task
		return nil
	})
	c, gw, _ := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T1", 0, 3))

	select {
	case task := <-done:
		assert.Equal(t, "T1", task.TaskID)
	case <-time.After(10 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		return c.Stats().Successful == 1
	}, 5*time.Second, 20*time.Millisecond)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Consumed)
	assert.EqualValues(t, 1, stats.Successful)
	assert.False(t, stats.LastTaskAt.IsZero())
	assert.Equal(t, []types.Status{types.StatusRunning, types.StatusSuccess}, statusesOf(t, gw, "T1"))
	assert.Equal(t, 0, c.ActiveCount())
}

func TestFailureSchedulesRetryWithBackoff(t *testing.T) {
	reg := registryWith(func(context.Context, *types.Task, *injector.Context) error {
		return errors.New("upstream refused")
	})
	c, gw, mr := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T2", 0, 3))

	require.Eventually(t, func() bool {
		return c.Stats().Retry == 1
	}, 5*time.Second, 20*time.Millisecond)

	statuses := statusesOf(t, gw, "T2")
	require.Len(t, statuses, 2)
	assert.Equal(t, types.StatusRetry, statuses[1])

	// The retried task sits in the delayed set with retry_count bumped.
	members, err := mr.ZMembers("crawler_tasks:delayed")
	require.NoError(t, err)
	require.Len(t, members, 1)

	var requeued types.Task
	require.NoError(t, json.Unmarshal([]byte(members[0]), &requeued))
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Equal(t, "T2", requeued.TaskID)
}

func TestExhaustedRetriesFail(t *testing.T) {
	reg := registryWith(func(context.Context, *types.Task, *injector.Context) error {
		return errors.New("still broken")
	})
	c, gw, mr := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T3", 3, 3))

	require.Eventually(t, func() bool {
		return c.Stats().Failed == 1
	}, 5*time.Second, 20*time.Millisecond)

	statuses := statusesOf(t, gw, "T3")
	assert.Equal(t, types.StatusFailed, statuses[len(statuses)-1])
	assert.EqualValues(t, 0, c.Stats().Retry)

	members, _ := mr.ZMembers("crawler_tasks:delayed")
	assert.Empty(t, members, "exhausted tasks must not be re-enqueued")
}

func TestNoHandlerFailsWithoutRetry(t *testing.T) {
	c, gw, mr := newTestConsumer(t, handler.NewRegistry(), nil)
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T4", 0, 3))

	require.Eventually(t, func() bool {
		return c.Stats().Failed == 1
	}, 5*time.Second, 20*time.Millisecond)

	events, err := gw.TaskStatusLog(context.Background(), "T4")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, types.StatusFailed, last.Status)
	assert.Contains(t, last.Details["error"], "no_handler")

	members, _ := mr.ZMembers("crawler_tasks:delayed")
	assert.Empty(t, members, "no_handler is non-retryable")
}

func TestFilterRejectDowngradesToLow(t *testing.T) {
	reg := registryWith(func(context.Context, *types.Task, *injector.Context) error { return nil })
	c, gw, mr := newTestConsumer(t, reg, func(cfg *config.WorkerConfig) {
		cfg.SupportedMarkets = []types.Market{types.MarketUS}
	})
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	task := newTask("T5", 0, 3) // CN market, not supported
	enqueue(t, gw, task)

	require.Eventually(t, func() bool {
		members, _ := mr.ZMembers("crawler_tasks:delayed")
		return len(members) == 1
	}, 5*time.Second, 20*time.Millisecond)

	members, err := mr.ZMembers("crawler_tasks:delayed")
	require.NoError(t, err)

	var rejected types.Task
	require.NoError(t, json.Unmarshal([]byte(members[0]), &rejected))
	assert.Equal(t, types.PriorityLow, rejected.Priority)
	assert.Equal(t, 0, rejected.RetryCount, "rejection is not a retry")
	assert.EqualValues(t, 0, c.Stats().Consumed, "rejected tasks are not consumed")
}

func TestDeadlineEnforcement(t *testing.T) {
	reg := registryWith(func(context.Context, *types.Task, *injector.Context) error {
		time.Sleep(5 * time.Second) // ignores cancellation
		return nil
	})
	c, gw, mr := newTestConsumer(t, reg, func(cfg *config.WorkerConfig) {
		cfg.TaskTimeoutSeconds = 1
	})
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T6", 0, 3))

	require.Eventually(t, func() bool {
		return c.Stats().Timeout == 1
	}, 10*time.Second, 50*time.Millisecond)

	statuses := statusesOf(t, gw, "T6")
	assert.Equal(t, types.StatusRetry, statuses[len(statuses)-1], "first timeout retries with a flat delay")

	members, err := mr.ZMembers("crawler_tasks:delayed")
	require.NoError(t, err)
	require.Len(t, members, 1)

	var requeued types.Task
	require.NoError(t, json.Unmarshal([]byte(members[0]), &requeued))
	assert.Equal(t, 1, requeued.RetryCount)
}

func TestTimeoutExhaustedPublishesTimeout(t *testing.T) {
	reg := registryWith(func(context.Context, *types.Task, *injector.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})
	c, gw, _ := newTestConsumer(t, reg, func(cfg *config.WorkerConfig) {
		cfg.TaskTimeoutSeconds = 1
	})
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T7", 3, 3))

	require.Eventually(t, func() bool {
		return c.Stats().Timeout == 1
	}, 10*time.Second, 50*time.Millisecond)

	statuses := statusesOf(t, gw, "T7")
	assert.Equal(t, types.StatusTimeout, statuses[len(statuses)-1])
}

func TestConcurrencyCap(t *testing.T) {
	gate := make(chan struct{})
	reg := registryWith(func(ctx context.Context, _ *types.Task, _ *injector.Context) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	c, gw, _ := newTestConsumer(t, reg, func(cfg *config.WorkerConfig) {
		cfg.MaxConcurrentTasks = 2
	})
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	for i := 0; i < 4; i++ {
		enqueue(t, gw, newTask("TC"+string(rune('0'+i)), 0, 3))
	}

	require.Eventually(t, func() bool {
		return c.ActiveCount() == 2
	}, 5*time.Second, 20*time.Millisecond)

	// Give the dequeue loops a chance to overshoot; they must not.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, c.ActiveCount())

	close(gate)
	require.Eventually(t, func() bool {
		return c.Stats().Successful == 4
	}, 10*time.Second, 20*time.Millisecond)
}

func TestRegistrationAndHeartbeat(t *testing.T) {
	reg := registryWith(func(context.Context, *types.Task, *injector.Context) error { return nil })
	c, gw, _ := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))

	var info types.WorkerInfo
	found, err := gw.CacheGet(context.Background(), "worker:w-test", &info)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "w-test", info.WorkerID)
	assert.Equal(t, config.ServiceName, info.Service)

	require.NoError(t, c.sendHeartbeat())

	var status types.WorkerStatus
	found, err = gw.CacheGet(context.Background(), "worker_status:w-test", &status)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "w-test", status.WorkerID)
	assert.Equal(t, 0, status.ActiveTasks)
}

func TestStopIntakeLeavesInFlightWork(t *testing.T) {
	gate := make(chan struct{})
	reg := registryWith(func(ctx context.Context, _ *types.Task, _ *injector.Context) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	c, gw, _ := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T8", 0, 3))
	require.Eventually(t, func() bool {
		return c.ActiveCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	c.StopIntake()
	assert.False(t, c.AcceptingTasks())
	assert.Equal(t, 1, c.ActiveCount(), "in-flight work survives intake close")

	// New work is not picked up anymore.
	enqueue(t, gw, newTask("T9", 0, 3))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, c.ActiveCount())

	close(gate)
	require.Eventually(t, func() bool {
		return c.ActiveCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRequeueActive(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	reg := registryWith(func(ctx context.Context, _ *types.Task, _ *injector.Context) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	c, gw, _ := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T10", 1, 3))
	require.Eventually(t, func() bool {
		return c.ActiveCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	c.StopIntake()
	requeued := c.RequeueActive(context.Background())
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, c.ActiveCount())

	// Task is immediately visible again with retry_count bumped.
	got, err := gw.Dequeue(context.Background(), types.PriorityHigh, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "T10", got.TaskID)
	assert.Equal(t, 2, got.RetryCount)

	events, err := gw.TaskStatusLog(context.Background(), "T10")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, types.StatusPendingRetry, last.Status)
	assert.Equal(t, "graceful_shutdown", last.Details["reason"])
}

func TestDrainRequeueCancelsRunningHandler(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	reg := registryWith(func(ctx context.Context, _ *types.Task, _ *injector.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	c, gw, _ := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))
	c.Start()

	enqueue(t, gw, newTask("T11", 0, 3))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	recs := c.ActiveSnapshot()
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].cancel, "cancel must be set before the record is published")

	c.StopIntake()
	requeued := c.RequeueActive(context.Background())
	assert.Equal(t, 1, requeued)

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context never cancelled")
	}

	// The handler still holds the original task; only the requeued
	// copy carries the bumped retry count.
	assert.Equal(t, 0, recs[0].Task.RetryCount)
	got, err := gw.Dequeue(context.Background(), types.PriorityHigh, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "T11", got.TaskID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestDequeueErrorBackoff(t *testing.T) {
	reg := registryWith(func(context.Context, *types.Task, *injector.Context) error { return nil })
	c, _, mr := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))

	// Broker communication errors back the loop off for longer than
	// plain back-pressure does.
	assert.Equal(t, 5*time.Second, dequeueErrorPause)
	assert.Equal(t, time.Second, backpressurePause)

	mr.Close()
	c.Start()
	time.Sleep(100 * time.Millisecond)

	// The error pause is interruptible; Stop must not wait it out.
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on the dequeue error pause")
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 300 * time.Second},
		{10, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.retryCount), "retry %d", tt.retryCount)
	}
}

func TestDeregister(t *testing.T) {
	reg := registryWith(func(context.Context, *types.Task, *injector.Context) error { return nil })
	c, gw, _ := newTestConsumer(t, reg, nil)
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.Deregister(context.Background()))

	var info types.WorkerInfo
	found, err := gw.CacheGet(context.Background(), "worker:w-test", &info)
	require.NoError(t, err)
	assert.False(t, found)
}
