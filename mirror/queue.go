package mirror

import (
	"context"
	"log/slog"
	gosync "sync"
)

// PathQueue is a FIFO of upload-relative paths awaiting migration.
// A path already waiting is not queued twice.
type PathQueue struct {
	mu      gosync.Mutex
	pending map[string]struct{}
	order   []string
	wake    chan struct{}
}

// NewPathQueue creates an empty queue.
func NewPathQueue() *PathQueue {
	return &PathQueue{
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Push enqueues paths, skipping any already pending.
func (q *PathQueue) Push(paths ...string) {
	q.mu.Lock()
	added := 0
	for _, p := range paths {
		if _, ok := q.pending[p]; ok {
			continue
		}
		q.pending[p] = struct{}{}
		q.order = append(q.order, p)
		added++
	}
	n := len(q.order)
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("push", "requested", len(paths), "added", added, "queueLen", n)
	}
	if added > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Pop blocks until a path is available or ctx is done.
func (q *PathQueue) Pop(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			p := q.order[0]
			q.order = q.order[1:]
			delete(q.pending, p)
			q.mu.Unlock()
			return p, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-q.wake:
		}
	}
}

// Has reports whether p is waiting in the queue.
func (q *PathQueue) Has(p string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[p]
	return ok
}

func (q *PathQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
