/*
Package metrics exposes the worker's Prometheus metrics, a duration
timer helper, an event-driven collector and the health endpoints.

All metrics are registered at init and served by Handler(). Counters are
fed by the metrics Collector, which subscribes to the lifecycle event
broker; gauges (active executions, resource cache sizes) are polled from
their sources every 15 seconds.

The health surface distinguishes liveness (process up, no component
reporting unhealthy) from readiness (critical components registered and
healthy, and the worker not draining). Kubernetes probes map onto
HealthHandler and ReadyHandler respectively; a draining worker fails
readiness immediately so no new traffic is routed during the grace
window.
*/
package metrics
