package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mousehunter/crawler/pkg/broker"
	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/events"
	"github.com/mousehunter/crawler/pkg/injector"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/metrics"
	"github.com/mousehunter/crawler/pkg/worker"
)

// State names for the drain machine.
const (
	StateIntakeOpen   = "INTAKE_OPEN"
	StateIntakeClosed = "INTAKE_CLOSED"
	StateDraining     = "DRAINING"
	StateRequeuing    = "REQUEUING"
	StateCleaning     = "CLEANING"
	StateDone         = "DONE"
)

const defaultPollInterval = 5 * time.Second

// Controller runs the drain sequence exactly once.
type Controller struct {
	cfg      config.ShutdownConfig
	consumer *worker.Consumer
	gw       *broker.Gateway
	inj      *injector.Service
	bus      *events.Broker
	logger   zerolog.Logger

	pollInterval time.Duration
	exit         func(code int)
	teardown     func()

	mu    sync.Mutex
	state string

	once   sync.Once
	doneCh chan struct{}
}

// NewController creates a drain controller in INTAKE_OPEN.
func NewController(cfg config.ShutdownConfig, consumer *worker.Consumer, gw *broker.Gateway, inj *injector.Service, bus *events.Broker) *Controller {
	c := &Controller{
		cfg:          cfg,
		consumer:     consumer,
		gw:           gw,
		inj:          inj,
		bus:          bus,
		logger:       log.WithComponent("shutdown"),
		pollInterval: defaultPollInterval,
		exit:         os.Exit,
		state:        StateIntakeOpen,
		doneCh:       make(chan struct{}),
	}
	c.teardown = c.releaseResources
	return c
}

// Listen installs the signal handler and triggers the drain on SIGTERM
// or SIGINT. Later signals during the drain are ignored.
func (c *Controller) Listen() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for sig := range sigCh {
			c.logger.Info().Str("signal", sig.String()).Msg("termination signal received")
			go c.Trigger("signal:" + sig.String())
		}
	}()
}

// Trigger starts the drain sequence. Safe to call multiple times; only
// the first call runs it.
func (c *Controller) Trigger(reason string) {
	c.once.Do(func() { c.run(reason) })
}

// State returns the current drain state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the drain sequence has finished, just before the
// force-exit delay elapses.
func (c *Controller) Done() <-chan struct{} {
	return c.doneCh
}

func (c *Controller) run(reason string) {
	c.logger.Info().Str("reason", reason).Msg("graceful shutdown starting")
	if c.bus != nil {
		c.bus.Publish(&events.Event{Type: events.EventWorkerDraining, Message: reason})
	}
	metrics.SetDraining(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.MaxWaitSeconds+c.cfg.CleanupTimeoutSecs+10)*time.Second)
	defer cancel()

	c.setState(StateIntakeClosed)
	c.consumer.StopIntake()
	if err := c.consumer.Deregister(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("deregistration failed")
	}

	c.setState(StateDraining)
	c.drain()

	c.setState(StateRequeuing)
	if remaining := c.consumer.ActiveCount(); remaining > 0 {
		requeued := c.consumer.RequeueActive(ctx)
		c.logger.Info().Int("requeued", requeued).Int("remaining", remaining).Msg("requeued unfinished tasks")
	}

	c.setState(StateCleaning)
	exitCode := 0
	if !c.cleanup() {
		// Cleanup never finished; the forced exit must be visible to
		// the supervisor.
		exitCode = 1
	}

	c.setState(StateDone)
	close(c.doneCh)
	c.logger.Info().Int("exit_code", exitCode).Msg("graceful shutdown complete")

	time.Sleep(time.Duration(c.cfg.ForceExitDelaySecs) * time.Second)
	c.exit(exitCode)
}

// drain polls until the active map empties or the grace window closes.
// Each poll also runs a deadline scan so handlers stuck past their
// deadline surface as timeouts instead of eating the whole window.
func (c *Controller) drain() {
	deadline := time.Now().Add(time.Duration(c.cfg.MaxWaitSeconds) * time.Second)
	for {
		active := c.consumer.ActiveCount()
		if active == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.logger.Warn().Int("active", active).Msg("drain window closed with tasks still running")
			return
		}
		c.logger.Info().Int("active", active).Msg("waiting for in-flight tasks")
		c.consumer.ScanDeadlines()
		time.Sleep(c.pollInterval)
	}
}

// cleanup releases resources under a bounded timeout. Reports false
// when the timeout guard fired before teardown completed.
func (c *Controller) cleanup() bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.teardown()
	}()

	select {
	case <-done:
		return true
	case <-time.After(time.Duration(c.cfg.CleanupTimeoutSecs) * time.Second):
		c.logger.Warn().Msg("cleanup timed out")
		return false
	}
}

// releaseResources stops the loops and closes external connections.
func (c *Controller) releaseResources() {
	c.consumer.Stop()
	if c.inj != nil {
		c.inj.Stop()
	}
	if err := c.gw.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("broker close failed")
	}
}

func (c *Controller) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.logger.Info().Str("state", state).Msg("drain state changed")
}
