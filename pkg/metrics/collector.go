package metrics

import (
	"time"

	"github.com/mousehunter/crawler/pkg/events"
)

// GaugeSource supplies point-in-time values for the gauges the collector
// refreshes on its polling interval.
type GaugeSource interface {
	ActiveExecutionCount() int
	CacheSizes() (proxies, credentials int)
}

// Collector turns lifecycle events into counter increments and polls
// gauge sources every 15 seconds.
type Collector struct {
	broker *events.Broker
	source GaugeSource
	sub    events.Subscriber
	stopCh chan struct{}
}

// NewCollector creates a collector fed by the given event broker. source
// may be nil when no gauge polling is wanted.
func NewCollector(broker *events.Broker, source GaugeSource) *Collector {
	return &Collector{
		broker: broker,
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the event stream and begins polling.
func (c *Collector) Start() {
	c.sub = c.broker.Subscribe()
	go c.consume()

	if c.source != nil {
		go c.poll()
	}
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.broker.Unsubscribe(c.sub)
}

func (c *Collector) consume() {
	for {
		select {
		case ev, ok := <-c.sub:
			if !ok {
				return
			}
			c.record(ev)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) record(ev *events.Event) {
	switch ev.Type {
	case events.EventTaskDequeued:
		TasksConsumed.WithLabelValues(string(ev.Priority)).Inc()
	case events.EventTaskSucceeded:
		TaskOutcomes.WithLabelValues("success").Inc()
	case events.EventTaskFailed:
		TaskOutcomes.WithLabelValues("failed").Inc()
	case events.EventTaskTimeout:
		TaskOutcomes.WithLabelValues("timeout").Inc()
	case events.EventTaskRetried:
		TaskOutcomes.WithLabelValues("retry").Inc()
	case events.EventTaskRejected:
		TaskOutcomes.WithLabelValues("rejected").Inc()
	case events.EventTaskRequeued:
		TasksRequeued.Inc()
	case events.EventScaleUp:
		ScaleActions.WithLabelValues(ev.Metadata["deployment"], "up").Inc()
	case events.EventScaleDown:
		ScaleActions.WithLabelValues(ev.Metadata["deployment"], "down").Inc()
	}
}

func (c *Collector) poll() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect() {
	ActiveExecutions.Set(float64(c.source.ActiveExecutionCount()))
	proxies, credentials := c.source.CacheSizes()
	ProxyCacheSize.Set(float64(proxies))
	CredentialCacheSize.Set(float64(credentials))
}
