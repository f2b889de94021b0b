package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/frorz1/wss/internal/services/relay/delivery"
	"github.com/frorz1/wss/internal/services/relay/recovery"
	"github.com/frorz1/wss/internal/services/relay/session"
	"github.com/frorz1/wss/internal/services/relay/storage"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

const (
	// DefaultRecoveryWindow is how long a dropped session is kept for a
	// transparent resume.
	DefaultRecoveryWindow = 2 * time.Minute

	resumeWriterWait = 2 * time.Second
	presenceTimeout  = 2 * time.Second
)

// RelayConfig wires the per-worker relay core.
type RelayConfig struct {
	WorkerID string
	Store    storage.Store
	Bus      bus.Bus
	// RecoveryWindow keeps dropped sessions resumable. Zero disables resume,
	// so every reconnect replays from its last sequence.
	RecoveryWindow time.Duration
	RecoveryPolicy recovery.Policy
	OutboxSize     int
	NewSessionID   func() string
	// OnBusState is told when the worker attaches to or detaches from the bus.
	OnBusState func(attached bool)
	Logger     zerolog.Logger
}

// Relay is one worker's view: its attached sessions, its bus subscription
// and the coordinators that serve them.
type Relay struct {
	workerID   string
	store      storage.Store
	bus        bus.Bus
	registry   *session.Registry
	delivery   *delivery.Coordinator
	recovery   *recovery.Coordinator
	window     time.Duration
	onBusState func(bool)
	logger     zerolog.Logger

	mu       sync.Mutex
	attached map[string]*attachment
	detached map[string]*detachedSession
	sub      bus.Subscription
	closed   bool
}

// detachedSession is a session waiting out the recovery window.
type detachedSession struct {
	timer *time.Timer
}

// attachment is the live connection currently serving a session.
type attachment struct {
	conn       io.Closer
	stopWriter context.CancelFunc
	writerDone chan struct{}
}

// supersede ends a connection that a newer one replaces. The writer is
// stopped before the session changes hands, so two writers never drain the
// same outbox.
func (a *attachment) supersede() {
	if a.stopWriter != nil {
		a.stopWriter()
	}
	_ = a.conn.Close()
	select {
	case <-a.writerDone:
	case <-time.After(resumeWriterWait):
	}
}

// NewRelay builds a relay. Attach must be called before it sees live events.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Store == nil {
		return nil, errors.New("message store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	workerID := strings.TrimSpace(cfg.WorkerID)
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if cfg.RecoveryWindow < 0 {
		return nil, fmt.Errorf("recovery window must not be negative, got %s", cfg.RecoveryWindow)
	}
	logger := cfg.Logger.With().Str("component", "relay").Logger()

	deliveryCoordinator, err := delivery.New(delivery.Config{
		Store:    cfg.Store,
		Bus:      cfg.Bus,
		WorkerID: workerID,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init delivery: %w", err)
	}
	recoveryCoordinator, err := recovery.New(recovery.Config{
		Store:  cfg.Store,
		Policy: cfg.RecoveryPolicy,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init recovery: %w", err)
	}

	return &Relay{
		workerID: workerID,
		store:    cfg.Store,
		bus:      cfg.Bus,
		registry: session.NewRegistry(session.Config{
			OutboxSize: cfg.OutboxSize,
			NewID:      cfg.NewSessionID,
		}),
		delivery:   deliveryCoordinator,
		recovery:   recoveryCoordinator,
		window:     cfg.RecoveryWindow,
		onBusState: cfg.OnBusState,
		logger:     logger,
		attached:   make(map[string]*attachment),
		detached:   make(map[string]*detachedSession),
	}, nil
}

// Attach subscribes the relay to the bus.
func (r *Relay) Attach(ctx context.Context) error {
	if r == nil {
		return errors.New("relay is nil")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("relay is closed")
	}
	if r.sub != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sub, err := r.bus.Subscribe(ctx, r)
	if err != nil {
		return fmt.Errorf("subscribe to bus: %w", err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// HandleEvent applies one bus event to local sessions, in bus order.
func (r *Relay) HandleEvent(e bus.Event) {
	except := ""
	if e.Kind != bus.KindAccepted && e.Worker == r.workerID {
		except = e.SessionID
	}
	r.registry.Broadcast(e, except)
}

// BusStateChanged logs attach transitions and forwards them to OnBusState.
func (r *Relay) BusStateChanged(attached bool) {
	if attached {
		r.logger.Info().Msg("attached to bus")
	} else {
		r.logger.Warn().Msg("detached from bus; local sessions miss live events until reconnect")
	}
	if r.onBusState != nil {
		r.onBusState(attached)
	}
}

// Handler returns the relay HTTP routes: /up and /ws.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(r.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, req)
	})
	return accessLog(mux, r.logger)
}

// accessLog logs each request once it completes. For /ws that is when the
// connection closes.
func accessLog(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, req)
		logger.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", m.Code).
			Dur("duration", m.Duration).
			Msg("handled")
	})
}

// SessionCount reports the sessions registered on this worker, detached
// ones included.
func (r *Relay) SessionCount() int {
	return r.registry.Len()
}

// Close detaches from the bus and destroys every session, which closes
// their connections.
func (r *Relay) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.sub
	r.sub = nil
	for id, d := range r.detached {
		d.timer.Stop()
		delete(r.detached, id)
	}
	r.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	r.registry.Close()
	return err
}

// resume reclaims a session still held for sid. It succeeds only when the
// session finished recovery and the client saw every message the server
// wrote to it; otherwise the session is discarded and the caller falls back
// to replay.
func (r *Relay) resume(sid string, seen int64) (*session.Session, bool) {
	if r.window <= 0 || sid == "" {
		return nil, false
	}
	sess, ok := r.registry.Get(sid)
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	if d, ok := r.detached[sid]; ok {
		d.timer.Stop()
		delete(r.detached, sid)
	}
	previous := r.attached[sid]
	delete(r.attached, sid)
	r.mu.Unlock()

	if previous != nil {
		previous.supersede()
	}

	if !sess.Admitted() || seen < 0 || seen != sess.WrittenCount() {
		r.logger.Debug().
			Str("session_id", sid).
			Bool("admitted", sess.Admitted()).
			Int64("seen", seen).
			Int64("written", sess.WrittenCount()).
			Msg("session not resumable; replaying")
		// A session still replaying never announced itself online.
		if r.registry.Remove(sid) && sess.Opened() {
			r.publishPresence(bus.KindOffline, sess)
		}
		return nil, false
	}
	sess.Resume()
	return sess, true
}

// attach records conn as the live connection for sess.
func (r *Relay) attach(sess *session.Session, a *attachment) {
	r.mu.Lock()
	r.attached[sess.ID] = a
	r.mu.Unlock()
}

// detach runs when a connection ends. A session that is still healthy is
// kept for the recovery window; anything else is destroyed.
func (r *Relay) detach(sess *session.Session, a *attachment) {
	r.mu.Lock()
	if r.attached[sess.ID] != a {
		// Another connection resumed this session.
		r.mu.Unlock()
		return
	}
	delete(r.attached, sess.ID)
	if r.window > 0 && !r.closed && sess.Err() == nil {
		d := &detachedSession{}
		d.timer = time.AfterFunc(r.window, func() { r.expire(sess, d) })
		r.detached[sess.ID] = d
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.registry.Remove(sess.ID) && sess.Opened() {
		r.publishPresence(bus.KindOffline, sess)
	}
}

func (r *Relay) expire(sess *session.Session, d *detachedSession) {
	r.mu.Lock()
	if r.detached[sess.ID] != d {
		r.mu.Unlock()
		return
	}
	delete(r.detached, sess.ID)
	r.mu.Unlock()

	// An overflow may already have dropped the session while it waited.
	if r.registry.Remove(sess.ID) {
		r.publishPresence(bus.KindOffline, sess)
	}
	r.logger.Debug().Str("session_id", sess.ID).Msg("recovery window expired")
}

func (r *Relay) publishPresence(kind bus.Kind, sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, bus.Presence(kind, sess.User, r.workerID, sess.ID)); err != nil {
		r.logger.Debug().Err(err).Str("session_id", sess.ID).Str("kind", string(kind)).Msg("presence not published")
	}
}

var _ bus.Handler = (*Relay)(nil)
var _ bus.StateObserver = (*Relay)(nil)
