package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathQueue_PushPop(t *testing.T) {
	q := NewPathQueue()
	ctx := context.Background()

	q.Push("a.txt")
	q.Push("b.txt")
	assert.Equal(t, 2, q.Len())

	path, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a.txt", path)

	path, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "b.txt", path)

	assert.Equal(t, 0, q.Len())
}

func TestPathQueue_Dedup(t *testing.T) {
	q := NewPathQueue()

	q.Push("file.txt", "file.txt")
	q.Push("file.txt")

	assert.Equal(t, 1, q.Len())
}

func TestPathQueue_Has(t *testing.T) {
	q := NewPathQueue()

	q.Push("a.txt")
	assert.True(t, q.Has("a.txt"))
	assert.False(t, q.Has("b.txt"))

	q.Pop(context.Background())
	assert.False(t, q.Has("a.txt"))

	q.Push("a.txt")
	assert.True(t, q.Has("a.txt"), "requeue after pop")
}

func TestPathQueue_PopBlocks(t *testing.T) {
	q := NewPathQueue()

	result := make(chan string, 1)
	go func() {
		path, ok := q.Pop(context.Background())
		if ok {
			result <- path
		}
	}()

	select {
	case <-result:
		t.Fatal("Pop should block when queue is empty")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push("wakeup.txt")

	select {
	case path := <-result:
		assert.Equal(t, "wakeup.txt", path)
	case <-time.After(time.Second):
		t.Fatal("Pop should have unblocked")
	}
}

func TestPathQueue_PopCancelled(t *testing.T) {
	q := NewPathQueue()
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		result <- ok
	}()

	cancel()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop should have returned")
	}
}
