package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mousehunter/crawler/pkg/types"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	task := &types.Task{TaskID: "T1", TaskType: types.TaskType1mRealtime, Market: types.MarketCN, Priority: types.PriorityHigh}
	b.Publish(NewTaskEvent(EventTaskSucceeded, task, "done"))

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventTaskSucceeded, ev.Type)
			assert.Equal(t, "T1", ev.TaskID)
			assert.Equal(t, types.PriorityHigh, ev.Priority)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	task := &types.Task{TaskID: "T2", Priority: types.PriorityLow}
	// Overflow the subscriber buffer; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(NewTaskEvent(EventTaskDequeued, task, ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestWorkerEventCarriesWorkerID(t *testing.T) {
	ev := NewWorkerEvent(EventWorkerDraining, "w-7", "signal received")
	assert.Equal(t, EventWorkerDraining, ev.Type)
	assert.Equal(t, "w-7", ev.Metadata["worker_id"])
}
