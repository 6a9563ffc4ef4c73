package inproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	bus := New(4)
	first := bus.Subscribe("first")
	second := bus.Subscribe("second")

	bus.Publish(Event{Kind: EventMessageCreated, GroupID: "g1"})

	got := <-first
	assert.Equal(t, EventMessageCreated, got.Kind)
	assert.Equal(t, "g1", got.GroupID)
	assert.False(t, got.At.IsZero(), "publish stamps the event time")

	got = <-second
	assert.Equal(t, "g1", got.GroupID)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	bus := New(4)
	a := bus.Subscribe("sub")
	b := bus.Subscribe("sub")

	bus.Publish(Event{Kind: EventDecision, GroupID: "g1"})

	require.Equal(t, a, b, "same id returns the same channel")
	<-a
	select {
	case <-b:
		t.Fatalf("event must be delivered once per subscriber id")
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New(1)
	ch := bus.Subscribe("slow")

	bus.Publish(Event{Kind: EventSchedulerArmed, GroupID: "g1"})
	bus.Publish(Event{Kind: EventSchedulerArmed, GroupID: "g2"})

	got := <-ch
	assert.Equal(t, "g1", got.GroupID)
	select {
	case extra := <-ch:
		t.Fatalf("expected overflow to be dropped, got %+v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4)
	ch := bus.Subscribe("gone")
	bus.Unsubscribe("gone")

	_, open := <-ch
	assert.False(t, open)

	bus.Unsubscribe("gone")
	bus.Publish(Event{Kind: EventCancelled, GroupID: "g1"})
}
