package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFlushPreservesOrder(t *testing.T) {
	q := NewPendingQueue()
	q.Enqueue("robot-1", "first", 1)
	q.Enqueue("robot-1", "second", 2)
	q.Enqueue("robot-1", "third", 3)
	q.Enqueue("robot-2", "other", 0)

	evs := q.Flush("robot-1")
	require.Len(t, evs, 3)
	assert.Equal(t, "first", evs[0].Event)
	assert.Equal(t, "second", evs[1].Event)
	assert.Equal(t, "third", evs[2].Event)

	assert.Zero(t, q.Len("robot-1"), "flush clears the device queue")
	assert.Equal(t, 1, q.Len("robot-2"), "other devices are untouched")
}

func TestQueueFlushEmpty(t *testing.T) {
	q := NewPendingQueue()
	assert.Empty(t, q.Flush("robot-1"))
}

func TestQueueRequeuePrepends(t *testing.T) {
	q := NewPendingQueue()
	q.Enqueue("robot-1", "a", nil)
	q.Enqueue("robot-1", "b", nil)

	evs := q.Flush("robot-1")
	q.Enqueue("robot-1", "c", nil)
	q.Requeue("robot-1", evs[1:])

	got := q.Flush("robot-1")
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Event, "requeued events come before newer ones")
	assert.Equal(t, "c", got[1].Event)
}
