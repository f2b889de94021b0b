package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DefaultOutboxSize bounds the events a session may have waiting.
const DefaultOutboxSize = 1024

// ErrExists is returned when registering an id that is already attached.
var ErrExists = errors.New("session already exists")

// Config configures a Registry.
type Config struct {
	OutboxSize int
	NewID      func() string
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Params describes a session at connect time.
type Params struct {
	// ID is optional; the registry generates one when empty.
	ID                string
	User              string
	Recovered         bool
	LastKnownSequence int64
}

// Registry is the table of sessions attached to this worker.
type Registry struct {
	outboxSize int
	newID      func() string
	overflows  metric.Int64Counter

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	outboxSize := cfg.OutboxSize
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	meterProvider := cfg.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}
	overflows, _ := meterProvider.Meter("github.com/frorz1/wss/internal/services/relay/session").Int64Counter(
		"relay.session.overflows",
		metric.WithDescription("Sessions closed because their outbox filled."),
	)
	return &Registry{
		outboxSize: outboxSize,
		newID:      newID,
		overflows:  overflows,
		sessions:   make(map[string]*Session),
	}
}

// Register adds a gated session.
func (r *Registry) Register(p Params) (*Session, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is not configured")
	}
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		p.ID = r.newID()
	}
	if p.LastKnownSequence < 0 {
		p.LastKnownSequence = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[p.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	s := newSession(p, r.outboxSize, r.countOverflow)
	r.sessions[p.ID] = s
	return s, nil
}

// Get returns the attached session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove destroys and forgets the session with id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.Close(ErrClosed)
	}
	return ok
}

// Broadcast offers e to every session except the one with id except.
// Sessions that overflow are removed. It returns how many sessions took the
// event.
func (r *Registry) Broadcast(e bus.Event, except string) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == except {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	var overflowed []string
	for _, s := range targets {
		err := s.Deliver(e)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrOutboxFull):
			overflowed = append(overflowed, s.ID)
		}
	}
	for _, id := range overflowed {
		r.removeIfClosed(id)
	}
	return delivered
}

func (r *Registry) countOverflow() {
	r.overflows.Add(context.Background(), 1)
}

func (r *Registry) removeIfClosed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.Err() != nil {
		delete(r.sessions, id)
	}
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close destroys every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close(ErrClosed)
	}
}
