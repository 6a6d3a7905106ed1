package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusClosed indicates an operation on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// LocalBus is an in-process Bus for single-node deployments and tests.
// Publish delivers synchronously, so per-room ordering follows publish
// order.
type LocalBus struct {
	mu     sync.RWMutex
	rooms  map[string]map[int64]Handler
	nextID int64
	closed atomic.Bool
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{rooms: map[string]map[int64]Handler{}}
}

func (b *LocalBus) Publish(ctx context.Context, room string, event Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	event.Room = room

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.rooms[room]))
	for _, h := range b.rooms[room] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *LocalBus) Subscribe(room string, handler Handler) (func(), error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.rooms[room] == nil {
		b.rooms[room] = map[int64]Handler{}
	}
	b.rooms[room][id] = handler

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.rooms[room], id)
		if len(b.rooms[room]) == 0 {
			delete(b.rooms, room)
		}
	}
	return cancel, nil
}

func (b *LocalBus) Close() error {
	b.closed.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = map[string]map[int64]Handler{}
	return nil
}
