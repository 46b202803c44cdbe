package conc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](8)
	for i := 0; i < 8; i++ {
		q.Push(i)
	}
	for i := 0; i < 8; i++ {
		assert.Equal(t, i, q.Pop())
	}
}

func TestQueueTryPushFull(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](2)
	require.True(t, q.TryPush(1))
	require.True(t, q.TryPush(2))
	assert.False(t, q.TryPush(3))

	assert.Equal(t, 1, q.Pop())
	assert.True(t, q.TryPush(3))
}

func TestQueueTryPopEmpty(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](4)
	_, ok := q.TryPop()
	assert.False(t, ok)

	q.Push("a")
	v, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestQueueExplicitRelease(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	q.Push(1)

	// The popped slot is kept: the queue still looks full to producers.
	v := q.PopKeep()
	assert.Equal(t, 1, v)
	assert.False(t, q.TryPush(2))

	q.Release()
	assert.True(t, q.TryPush(2))
	assert.Equal(t, 2, q.Pop())
}

func TestQueuePushBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	q.Push(1)
	_ = q.PopKeep()

	pushed := make(chan struct{})
	go func() {
		q.Push(2) // blocks until Release
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push completed before slot release")
	case <-time.After(20 * time.Millisecond):
	}

	q.Release()
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push did not complete after release")
	}
	assert.Equal(t, 2, q.Pop())
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()

	const (
		producers = 4
		perProd   = 1000
	)
	q := NewQueue[int](16)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				q.Push(i)
			}
		}()
	}

	sum := 0
	for i := 0; i < producers*perProd; i++ {
		sum += q.Pop()
	}
	wg.Wait()

	assert.Equal(t, producers*perProd*(perProd-1)/2, sum)
}
