/*
Package api serves the worker's operational HTTP surface.

Endpoints:

	GET /healthz       liveness (process and component health)
	GET /readyz        readiness (critical components up, not draining)
	GET /metrics       Prometheus metrics
	GET /stats         worker counters, cache sizes and queue depths
	GET /tasks/active  in-flight executions
	GET /tasks/{id}    status event log for one task

The server is read-only: all mutation flows through the broker, and
scaling control lives in the autoscaler process.
*/
package api
