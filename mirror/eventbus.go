package mirror

import (
	gosync "sync"
)

// Event types published on the bus.
const (
	EventSyncStarted    = "sync-started"
	EventSyncFinished   = "sync-finished"
	EventDownload       = "download"
	EventMigrated       = "migrated"
	EventMigrationEnded = "migration-finished"
	EventDeleted        = "deleted"
)

// SyncEvent is a progress update broadcast to SSE and websocket clients.
type SyncEvent struct {
	Type     string `json:"type"`
	Filename string `json:"filename,omitempty"`
	Status   string `json:"status,omitempty"` // "ok"|"failed"
	Error    string `json:"error,omitempty"`
	Done     int    `json:"done,omitempty"`
	Total    int    `json:"total,omitempty"`
}

// EventBus broadcasts SyncEvents to all subscribers.
type EventBus struct {
	mu      gosync.RWMutex
	clients map[chan SyncEvent]struct{}
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan SyncEvent]struct{}),
	}
}

// Subscribe registers a new client and returns its event channel.
func (b *EventBus) Subscribe() chan SyncEvent {
	ch := make(chan SyncEvent, 32)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *EventBus) Unsubscribe(ch chan SyncEvent) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking; slow
// subscribers miss events. A nil bus drops everything.
func (b *EventBus) Publish(event SyncEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of connected clients.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
