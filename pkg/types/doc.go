/*
Package types defines the core data model shared by every crawler component.

The central type is Task, the unit of work circulating through the broker
queues. A task carries a stable TaskID, an open task_type tag used for
handler dispatch, a market tag, and a retry budget. Workers never mutate a
task except to bump RetryCount and, on filter rejection, downgrade Priority
to LOW.

Status values form an append-only event vocabulary. Terminal states are
SUCCESS, FAILED, TIMEOUT and CANCELLED; RUNNING, RETRY, QUEUED and
PENDING_RETRY are transitional. Consumers never read back previous status
events to decide behavior - retry decisions depend only on the local retry
budget and the handler outcome.

ProxyResource and Credential model the injectable resources tracked by the
resource injector, including their EWMA quality signals. WorkerInfo and
WorkerStatus are the registration and heartbeat records published to the
broker cache.

Wire formats are plain JSON; UnmarshalTask validates the priority enum on
the way in so malformed messages are rejected at the boundary.
*/
package types
