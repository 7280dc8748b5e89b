/*
Package injector binds each task to the network resources its handler
needs: a quality-scored proxy, a session credential, composed request
headers and a task-type timeout.

Proxies are cached per (market, quality) bucket and fetched on demand
from the external proxy pool; the pool client sits behind a circuit
breaker so a flapping pool degrades to proxy-less contexts instead of
stalling dispatch. Credentials are cached per market, with a broker-side
cache as fallback when the local cache runs dry.

Quality tracking is EWMA-based and fed by ReportOutcome after every
handler invocation. Resource selection and the periodic cleanup both key
off these scores, so workers converge on the proxies that actually
perform.

Prepare never fails: a context with a nil proxy or credential is still
returned, and the handler decides whether the missing resource is fatal.
*/
package injector
