// Package bus defines the cross-process fan-out channel between relay workers.
//
// A bus is a broadcast primitive: every event published by any worker is
// handed to every subscription attached at that moment, the publisher's own
// included. It does not replay; the message store is the durable record.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Kind tags the fixed field set an Event carries.
type Kind string

const (
	// KindAccepted announces a message recorded by the store.
	KindAccepted Kind = "accepted"
	// KindOnline announces a user attaching to some worker.
	KindOnline Kind = "presence.online"
	// KindOffline announces a user leaving.
	KindOffline Kind = "presence.offline"
	// KindTyping relays a typing indicator.
	KindTyping Kind = "typing"
)

// Event is one fan-out item.
//
// Accepted events use Sequence and Content. Presence and typing events use
// User, and carry Worker and SessionID so the originating session can be
// skipped.
type Event struct {
	Kind      Kind      `json:"kind"`
	Sequence  int64     `json:"sequence,omitempty"`
	Content   string    `json:"content,omitempty"`
	User      string    `json:"user,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Accepted builds the event for a recorded message.
func Accepted(sequence int64, content string, worker string) Event {
	return Event{
		Kind:     KindAccepted,
		Sequence: sequence,
		Content:  content,
		Worker:   worker,
		At:       time.Now().UTC(),
	}
}

// Presence builds an online or offline event.
func Presence(kind Kind, user string, worker string, sessionID string) Event {
	return Event{
		Kind:      kind,
		User:      user,
		Worker:    worker,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
}

// Typing builds a typing indicator event.
func Typing(user string, worker string, sessionID string) Event {
	return Event{
		Kind:      KindTyping,
		User:      user,
		Worker:    worker,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
}

// Validate checks the event carries the fields its kind requires.
func (e Event) Validate() error {
	switch e.Kind {
	case KindAccepted:
		if e.Sequence <= 0 {
			return fmt.Errorf("accepted event requires a positive sequence, got %d", e.Sequence)
		}
	case KindOnline, KindOffline, KindTyping:
		if strings.TrimSpace(e.SessionID) == "" {
			return fmt.Errorf("%s event requires a session id", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Handler consumes events on the subscription's delivery goroutine, one at a
// time, in the order the bus delivers them.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// HandleEvent implements Handler.
func (fn HandlerFunc) HandleEvent(e Event) {
	fn(e)
}

// StateObserver is implemented by handlers that want to know whether their
// subscription is currently attached. Events fired while detached are lost
// for this subscriber.
type StateObserver interface {
	BusStateChanged(attached bool)
}

// Subscription is a live attachment to a bus.
type Subscription interface {
	Close() error
}

// Bus publishes events to every attached subscription.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
	Close() error
}

// NotifyState reports an attach/detach transition to h if it observes them.
func NotifyState(h Handler, attached bool) {
	if observer, ok := h.(StateObserver); ok {
		observer.BusStateChanged(attached)
	}
}
