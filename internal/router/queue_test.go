package router

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(t *testing.T, q *Queue, payload string) bool {
	t.Helper()
	queued, _ := q.Push([]byte(payload))
	return queued
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4, OverflowDrop)
	require.True(t, push(t, q, "a"))
	require.True(t, push(t, q, "b"))

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", string(got))
	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", string(got))
}

func TestQueueDropPolicy(t *testing.T) {
	q := NewQueue(2, OverflowDrop)
	require.True(t, push(t, q, "a"))
	require.True(t, push(t, q, "b"))

	queued, dropped := q.Push([]byte("c"))
	assert.False(t, queued, "overflow must reject the new payload")
	assert.Equal(t, 1, dropped)
	assert.EqualValues(t, 1, q.Dropped())
	assert.Equal(t, 2, q.Len())

	got, _ := q.Pop()
	assert.Equal(t, "a", string(got), "queued payloads survive the drop")
}

func TestQueueDropOldestPolicy(t *testing.T) {
	q := NewQueue(2, OverflowDropOldest)
	require.True(t, push(t, q, "a"))
	require.True(t, push(t, q, "b"))

	queued, dropped := q.Push([]byte("c"))
	assert.True(t, queued, "the new payload takes the evicted slot")
	assert.Equal(t, 1, dropped, "the eviction is reported to the caller")
	assert.EqualValues(t, 1, q.Dropped())

	got, _ := q.Pop()
	assert.Equal(t, "b", string(got), "the oldest payload is the one displaced")
	got, _ = q.Pop()
	assert.Equal(t, "c", string(got))
}

func TestQueueBlockPolicy(t *testing.T) {
	q := NewQueue(1, OverflowBlock)
	require.True(t, push(t, q, "a"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// blocks until the consumer makes room
		queued, dropped := q.Push([]byte("b"))
		assert.True(t, queued)
		assert.Zero(t, dropped)
	}()

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", string(got))
	wg.Wait()

	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", string(got))
	assert.Zero(t, q.Dropped())
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(2, OverflowDrop)
	push(t, q, "a")
	q.Close()

	queued, dropped := q.Push([]byte("b"))
	assert.False(t, queued, "push after close must fail")
	assert.Zero(t, dropped, "a closed queue discards, it does not drop")
	_, ok := q.Pop()
	assert.False(t, ok, "pop after close must report closed")
	assert.Zero(t, q.Len())
}

func TestQueueCloseUnblocksConsumer(t *testing.T) {
	q := NewQueue(1, OverflowDrop)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := q.Pop()
		assert.False(t, ok)
	}()
	q.Close()
	<-done
}
