// Package session tracks the client sessions attached to one relay worker.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/frorz1/wss/internal/services/relay/bus"
)

var (
	// ErrClosed is returned once a session has been destroyed.
	ErrClosed = errors.New("session is closed")
	// ErrOutboxFull closes a session that fell too far behind. The client
	// recovers the gap by reconnecting with its last sequence.
	ErrOutboxFull = errors.New("session outbox is full")
)

// Session is one client attachment. ID, User and LastKnownSequence are fixed
// at registration.
//
// A session starts gated: live events are held back until Open, so replayed
// history always reaches the client first. Events leave the session through
// Next in the order they were queued.
type Session struct {
	ID                string
	User              string
	LastKnownSequence int64

	limit      int
	onOverflow func()

	mu          sync.Mutex
	recovered   bool
	gated       bool
	queue       []bus.Event
	pending     []bus.Event
	replayed    map[int64]struct{}
	replayedTop int64
	written     int64
	err         error

	notify  chan struct{}
	drained chan struct{}
	done    chan struct{}
}

func newSession(p Params, limit int, onOverflow func()) *Session {
	return &Session{
		ID:                p.ID,
		User:              p.User,
		LastKnownSequence: p.LastKnownSequence,
		limit:             limit,
		onOverflow:        onOverflow,
		recovered:         p.Recovered,
		gated:             true,
		replayed:          make(map[int64]struct{}),
		notify:            make(chan struct{}, 1),
		drained:           make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
}

// Recovered reports whether the transport restored this session without
// loss, so no replay is needed.
func (s *Session) Recovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// Opened reports whether the gate was ever released, even if the session
// has since closed.
func (s *Session) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.gated
}

// Admitted reports whether the session finished recovery and is live. Only
// admitted sessions may be resumed by a later connection.
func (s *Session) Admitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.gated && s.err == nil
}

// Resume marks a detached session as transparently restored.
func (s *Session) Resume() {
	s.mu.Lock()
	s.recovered = true
	s.mu.Unlock()
}

// Deliver offers a live event. It never blocks: while gated the event is
// held, otherwise it is queued for the writer. A session that cannot keep up
// is closed with ErrOutboxFull.
func (s *Session) Deliver(e bus.Event) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.gated {
		if len(s.pending) >= s.limit {
			s.mu.Unlock()
			s.Close(ErrOutboxFull)
			return ErrOutboxFull
		}
		s.pending = append(s.pending, e)
		s.mu.Unlock()
		return nil
	}
	if s.alreadyReplayedLocked(e) {
		s.mu.Unlock()
		return nil
	}
	// A live message past the replayed range means the bus has caught up.
	if e.Kind == bus.KindAccepted && e.Sequence > s.replayedTop && len(s.replayed) > 0 {
		s.replayed = make(map[int64]struct{})
	}
	if len(s.queue) >= s.limit {
		s.mu.Unlock()
		s.Close(ErrOutboxFull)
		return ErrOutboxFull
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	signal(s.notify)
	return nil
}

// Replay queues one historical message ahead of any held live event. It
// waits for room in the outbox rather than failing, since history is read
// at the pace the client can take it.
func (s *Session) Replay(ctx context.Context, e bus.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if len(s.queue) < s.limit {
			s.queue = append(s.queue, e)
			if e.Kind == bus.KindAccepted {
				s.replayed[e.Sequence] = struct{}{}
				s.replayedTop = max(s.replayedTop, e.Sequence)
			}
			s.mu.Unlock()
			signal(s.notify)
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.drained:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Open releases the gate. Held live events already covered by replay are
// dropped; the rest follow in arrival order.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if !s.gated {
		s.mu.Unlock()
		return nil
	}
	s.gated = false
	for _, e := range s.pending {
		if s.alreadyReplayedLocked(e) {
			continue
		}
		s.queue = append(s.queue, e)
	}
	s.pending = nil
	overflow := len(s.queue) > s.limit
	s.mu.Unlock()

	if overflow {
		s.Close(ErrOutboxFull)
		return ErrOutboxFull
	}
	signal(s.notify)
	return nil
}

// alreadyReplayedLocked reports whether e is a message replay has queued.
func (s *Session) alreadyReplayedLocked(e bus.Event) bool {
	if e.Kind != bus.KindAccepted || len(s.replayed) == 0 {
		return false
	}
	_, ok := s.replayed[e.Sequence]
	return ok
}

// Next blocks until an event is ready for the client, the session closes or
// ctx ends.
func (s *Session) Next(ctx context.Context) (bus.Event, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return bus.Event{}, err
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = bus.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			signal(s.drained)
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return bus.Event{}, ctx.Err()
		}
	}
}

// Unread puts back an event the writer failed to send, so a resumed
// connection sends it first.
func (s *Session) Unread(e bus.Event) {
	s.mu.Lock()
	s.queue = append([]bus.Event{e}, s.queue...)
	s.mu.Unlock()
	signal(s.notify)
}

// Written records that e reached the transport.
func (s *Session) Written(e bus.Event) {
	if e.Kind != bus.KindAccepted {
		return
	}
	s.mu.Lock()
	s.written++
	s.mu.Unlock()
}

// WrittenCount is the number of messages written to the transport over the
// session's lifetime.
func (s *Session) WrittenCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Pending is the number of events waiting for the writer, held events
// included.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.pending)
}

// Close destroys the session. The first error wins; nil means ErrClosed.
// Closing with ErrOutboxFull reports an overflow.
func (s *Session) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.queue = nil
	s.pending = nil
	s.mu.Unlock()
	close(s.done)
	if errors.Is(err, ErrOutboxFull) && s.onOverflow != nil {
		s.onOverflow()
	}
}

// Done is closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed, or nil while it is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
