/*
Package broker wraps the shared Redis-compatible queue backend behind the
small set of operations the crawler core depends on.

One logical queue exists per priority (crawler_tasks:CRITICAL ...
crawler_tasks:LOW). Enqueue pushes JSON-encoded tasks; Dequeue performs a
blocking pop with a bounded timeout so consumer loops stay cancellable
without external interruption. Delayed enqueues park the task in a sorted
set keyed by due time; PumpDelayed promotes due entries back onto their
priority queues and is safe to run from multiple workers because each entry
is claimed with a removing operation before promotion.

Status updates are append-only JSON events on a per-task list with a
retention TTL. The cache operations (CacheSet/CacheGet/CacheDelete) carry
worker registrations, heartbeats and pooled resources as opaque JSON.

Delivery is at-least-once: duplicates are possible around pump races and
worker drains, and handlers are required to be idempotent.
*/
package broker
