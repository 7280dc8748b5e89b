/*
Package events provides an in-process broker for task lifecycle events.

The consumer, drain controller and autoscaler publish events as they act
on tasks; subscribers (the metrics collector, the API event stream)
receive them on buffered channels. Distribution is best-effort: a
subscriber that falls behind misses events rather than blocking the
publisher. Lifecycle events are observability signals, never control
flow — the broker status log remains the durable record.

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(events.NewTaskEvent(events.EventTaskSucceeded, task, "fetch completed"))

	for ev := range sub {
		// consume
	}
*/
package events
