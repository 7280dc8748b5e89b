/*
Package worker implements the task consumer: the loop structure that
pulls prioritized tasks from the broker, binds resources, runs handlers
under deadlines and feeds outcomes back into the queue.

A Consumer runs one dequeue loop per listened priority. Strict-priority
behavior is emergent: each loop blocks on its own queue, and the shared
slot semaphore keeps any single priority from monopolizing the worker.
Dequeue loops apply back-pressure before dequeuing — a task is only
pulled when a slot is already held, so nothing sits claimed-but-idle in
the worker while the broker thinks it is being worked.

Each dequeued task becomes an ExecutionRecord with a hard deadline and
runs in its own dispatch goroutine, racing the handler against the
deadline. Outcomes are classified explicitly:

  - nil error: SUCCESS, resources credited.
  - ErrNoHandler: FAILED immediately, never retried.
  - any other error: RETRY with exponential backoff (60s doubling,
    capped at 5 minutes) until max_retries, then FAILED.
  - deadline exceeded: RETRY with a flat 300s delay until max_retries,
    then TIMEOUT. Timeouts suggest upstream slowness, so they back off
    less aggressively than real failures.

A deadline monitor sweeps the active map every 10 seconds to catch
handlers that ignore cancellation, a heartbeat publishes counters and
registration every 30 seconds with a 120 second TTL, and a pump loop
promotes due delayed tasks every 30 seconds.

Intake and execution stop independently: StopIntake halts the dequeue
loops while in-flight work keeps running, which is what the drain
controller needs; Stop tears the whole consumer down.
*/
package worker
