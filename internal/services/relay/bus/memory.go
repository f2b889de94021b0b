package bus

import (
	"context"
	"sync"
)

const defaultMemoryBuffer = 256

// Memory is an in-process bus. Several relays in one process (or tests
// standing in for separate workers) can share it.
//
// Publishes are serialized so every subscription observes the same order.
// A full subscriber buffer blocks the publisher until the event is queued or
// ctx ends; events are never dropped silently.
type Memory struct {
	buffer int

	pubMu  sync.Mutex
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID uint64
	closed bool
}

// NewMemory returns an in-process bus with the given per-subscriber buffer.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{
		buffer: buffer,
		subs:   make(map[uint64]*memorySubscription),
	}
}

type memorySubscription struct {
	bus     *Memory
	id      uint64
	events  chan Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Publish hands e to every current subscription.
func (b *Memory) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.events <- e:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe attaches h until the returned subscription or the bus is closed.
func (b *Memory) Subscribe(_ context.Context, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	sub := &memorySubscription{
		bus:     b,
		id:      b.nextID,
		events:  make(chan Event, b.buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	NotifyState(h, true)
	go sub.run(h)
	return sub, nil
}

func (s *memorySubscription) run(h Handler) {
	defer close(s.stopped)
	for {
		select {
		case e := <-s.events:
			h.HandleEvent(e)
		case <-s.done:
			return
		}
	}
}

// Close detaches the subscription and waits for its handler to return.
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
	<-s.stopped
	return nil
}

// Close detaches every subscription. Later publishes fail with ErrClosed.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

var _ Bus = (*Memory)(nil)
