/*
Package autoscaler sizes the worker deployments from queue depth.

Every check interval it reads the depth of each mapped queue, aggregates
per deployment and compares against that deployment's thresholds. Scale
up adds up to three replicas at once (one per 50 queued tasks), scale
down removes one at a time; the asymmetry buys headroom for bursty
enqueue patterns at the cost of running slightly hot. A per-deployment
cooldown suppresses flapping.

ManualScale bypasses the thresholds for operator intervention but still
validates the replica bounds and still arms the cooldown.
*/
package autoscaler
