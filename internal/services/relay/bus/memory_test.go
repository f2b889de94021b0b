package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu       sync.Mutex
	events   []Event
	states   []bool
	received chan Event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{received: make(chan Event, 64)}
}

func (h *recordingHandler) HandleEvent(e Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	h.received <- e
}

func (h *recordingHandler) BusStateChanged(attached bool) {
	h.mu.Lock()
	h.states = append(h.states, attached)
	h.mu.Unlock()
}

func (h *recordingHandler) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-h.received:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryDeliversToEverySubscriberIncludingPublisher(t *testing.T) {
	b := NewMemory(8)
	t.Cleanup(func() { _ = b.Close() })

	workerA := newRecordingHandler()
	workerB := newRecordingHandler()
	for _, h := range []*recordingHandler{workerA, workerB} {
		if _, err := b.Subscribe(context.Background(), h); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if err := b.Publish(context.Background(), Accepted(1, "hi", "worker-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, h := range map[string]*recordingHandler{"a": workerA, "b": workerB} {
		got := h.next(t)
		if got.Kind != KindAccepted || got.Sequence != 1 || got.Content != "hi" {
			t.Fatalf("worker %s got %+v", name, got)
		}
	}
}

func TestMemoryPreservesPublishOrder(t *testing.T) {
	b := NewMemory(4)
	t.Cleanup(func() { _ = b.Close() })

	h := newRecordingHandler()
	if _, err := b.Subscribe(context.Background(), h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for seq := int64(1); seq <= 10; seq++ {
		if err := b.Publish(context.Background(), Accepted(seq, "m", "w")); err != nil {
			t.Fatalf("publish %d: %v", seq, err)
		}
	}
	for seq := int64(1); seq <= 10; seq++ {
		if got := h.next(t); got.Sequence != seq {
			t.Fatalf("sequence = %d, want %d", got.Sequence, seq)
		}
	}
}

func TestMemoryReportsAttachedState(t *testing.T) {
	b := NewMemory(1)
	t.Cleanup(func() { _ = b.Close() })

	h := newRecordingHandler()
	if _, err := b.Subscribe(context.Background(), h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) != 1 || !h.states[0] {
		t.Fatalf("states = %v, want [true]", h.states)
	}
}

func TestMemoryClosedSubscriptionMissesLaterEvents(t *testing.T) {
	b := NewMemory(4)
	t.Cleanup(func() { _ = b.Close() })

	detached := newRecordingHandler()
	sub, err := b.Subscribe(context.Background(), detached)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close subscription: %v", err)
	}
	if err := b.Publish(context.Background(), Accepted(1, "missed", "w")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-detached.received:
		t.Fatalf("detached subscriber received %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPublishHonoursContextWhenSubscriberIsFull(t *testing.T) {
	b := NewMemory(1)
	t.Cleanup(func() { _ = b.Close() })

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	if _, err := b.Subscribe(context.Background(), HandlerFunc(func(Event) { <-block })); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var err error
	for seq := int64(1); seq <= 3 && err == nil; seq++ {
		err = b.Publish(ctx, Accepted(seq, "m", "w"))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("publish error = %v, want deadline exceeded", err)
	}
}

func TestMemoryRejectsInvalidAndClosed(t *testing.T) {
	b := NewMemory(1)
	if err := b.Publish(context.Background(), Event{Kind: KindAccepted}); err == nil {
		t.Fatal("expected validation error for missing sequence")
	}
	_ = b.Close()
	if err := b.Publish(context.Background(), Accepted(1, "x", "w")); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close = %v, want %v", err, ErrClosed)
	}
	if _, err := b.Subscribe(context.Background(), HandlerFunc(func(Event) {})); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close = %v, want %v", err, ErrClosed)
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{name: "accepted", event: Accepted(3, "x", "w")},
		{name: "accepted without sequence", event: Event{Kind: KindAccepted}, wantErr: true},
		{name: "online", event: Presence(KindOnline, "ana", "w", "s1")},
		{name: "typing without session", event: Typing("ana", "w", ""), wantErr: true},
		{name: "unknown kind", event: Event{Kind: "chat"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
