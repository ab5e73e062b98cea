package events

import (
	"context"
	"sync"
)

// Bus dispatches events synchronously to in-process handlers. It is used when
// the worker pool runs embedded in the API process or RabbitMQ is disabled.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Handle registers h and returns a function that removes it
func (b *Bus) Handle(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *Bus) Subscribe(ctx context.Context, h Handler) error {
	remove := b.Handle(h)
	defer remove()

	<-ctx.Done()
	return nil
}

func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
	return nil
}
