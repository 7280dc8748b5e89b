/*
Package shutdown coordinates graceful worker drain.

A single-shot state machine walks INTAKE_OPEN -> INTAKE_CLOSED ->
DRAINING -> REQUEUING -> CLEANING -> DONE on the first termination
signal (or an explicit Trigger). Intake closes and the worker
de-registers immediately, so the scaler and the readiness probe see it
leaving; in-flight tasks then get a bounded grace window to finish.
Whatever is still running when the window closes is returned to the
queue with an incremented retry count, so another replica picks it up.
Repeated signals during the drain are ignored.

The controller never blocks signal handling past the configured grace
window, and the final process exit goes through an injectable exit
function so the sequence is testable end to end.
*/
package shutdown
