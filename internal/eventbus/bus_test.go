package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	all := b.Subscribe()
	orders := b.Subscribe(OrderCreated, OrderDeleted)
	subs := b.Subscribe(SubscriptionExpanded)

	b.PublishType(OrderCreated, map[string]string{"order_id": "o1"})

	e := receive(t, all)
	assert.Equal(t, OrderCreated, e.Type)
	assert.False(t, e.Timestamp.IsZero())
	var data map[string]string
	require.NoError(t, json.Unmarshal(e.Data, &data))
	assert.Equal(t, "o1", data["order_id"])

	assert.Equal(t, OrderCreated, receive(t, orders).Type)

	select {
	case e := <-subs:
		t.Fatalf("filtered subscriber got %s", e.Type)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.PublishType(OrderUpdated, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, cap(ch))
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	b.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())

	other := b.Subscribe()
	b.Close()
	_, ok = <-other
	assert.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
}
