package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueFIFO(t *testing.T) {
	q := NewEventQueue(4)
	q.Push(Event{MsgType: EventReset, State: Disconnected})
	q.Push(Event{MsgType: EventReset, State: Connected})

	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, Disconnected, ev.State)

	ev, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, Connected, ev.State)

	_, ok = q.Pop()
	assert.False(t, ok, "Pop on an empty queue should report ok=false")
}

func TestEventQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewEventQueue(2)
	q.Push(Event{State: Disconnected})
	q.Push(Event{State: Connected})
	dropped := q.Push(Event{State: ActiveDL})
	assert.True(t, dropped, "Push into a full queue should report a drop")

	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, Connected, ev.State, "the oldest entry should have been discarded")

	ev, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, ActiveDL, ev.State)
}

func TestEventQueueLen(t *testing.T) {
	q := NewEventQueue(3)
	assert.Equal(t, 0, q.Len())
	q.Push(Event{})
	q.Push(Event{})
	assert.Equal(t, 2, q.Len())
	q.Pop()
	assert.Equal(t, 1, q.Len())
}
