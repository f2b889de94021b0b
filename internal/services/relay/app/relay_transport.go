package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/frorz1/wss/internal/services/relay/delivery"
	"github.com/frorz1/wss/internal/services/relay/protocol"
	"github.com/frorz1/wss/internal/services/relay/recovery"
	"github.com/frorz1/wss/internal/services/relay/session"
	"github.com/frorz1/wss/internal/services/relay/storage"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultUser = "anonymous"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
	maxUserRunes           = 64

	frameWriteTimeout = 10 * time.Second
)

type wsPeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, encoder: json.NewEncoder(conn)}
}

func (p *wsPeer) writeFrame(frame protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	return p.encoder.Encode(frame)
}

func (p *wsPeer) write(frameType string, requestID string, payload any) error {
	frame, err := protocol.NewFrame(frameType, requestID, payload)
	if err != nil {
		return err
	}
	return p.writeFrame(frame)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, retryable bool) error {
	return peer.write(protocol.TypeError, requestID, protocol.ErrorEnvelope{
		Error: protocol.ErrorPayload{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	})
}

// connectParams are read from the /ws query string.
type connectParams struct {
	user         string
	lastSequence int64
	sessionID    string
	seen         int64
}

func parseConnectParams(query url.Values) connectParams {
	params := connectParams{
		user:      strings.TrimSpace(query.Get(protocol.QueryUser)),
		sessionID: strings.TrimSpace(query.Get(protocol.QuerySessionID)),
		seen:      -1,
	}
	if params.user == "" {
		params.user = defaultUser
	}
	if runes := []rune(params.user); len(runes) > maxUserRunes {
		params.user = string(runes[:maxUserRunes])
	}
	if raw := strings.TrimSpace(query.Get(protocol.QueryLastSequence)); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			params.lastSequence = n
		}
	}
	if raw := strings.TrimSpace(query.Get(protocol.QuerySeen)); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			params.seen = n
		}
	}
	return params
}

func (r *Relay) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = 2 * maxFramePayloadBytes

	var query url.Values
	ctx := context.Background()
	if request := conn.Request(); request != nil {
		query = request.URL.Query()
		ctx = request.Context()
	}
	params := parseConnectParams(query)
	peer := newWSPeer(conn)

	sess, resumed := r.resume(params.sessionID, params.seen)
	if !resumed {
		var err error
		sess, err = r.registry.Register(session.Params{
			User:              params.user,
			LastKnownSequence: params.lastSequence,
		})
		if err != nil {
			r.logger.Error().Err(err).Msg("register session")
			_ = writeWSError(peer, "", protocol.CodeUnavailable, "session unavailable", true)
			return
		}
	}
	logger := r.logger.With().Str("session_id", sess.ID).Str("user", sess.User).Logger()

	latest, err := r.store.LatestSequence(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("read latest sequence")
	}
	if err := peer.write(protocol.TypeWelcome, "", protocol.WelcomePayload{
		SessionID:      sess.ID,
		Recovered:      resumed,
		LatestSequence: latest,
	}); err != nil {
		r.registry.Remove(sess.ID)
		return
	}

	writerCtx, stopWriter := context.WithCancel(context.Background())
	// Replay waits on the writer, so it must stop when the writer does.
	replayCtx, stopReplay := context.WithCancel(ctx)
	defer stopReplay()
	a := &attachment{conn: conn, stopWriter: stopWriter, writerDone: make(chan struct{})}
	r.attach(sess, a)
	go func() {
		defer close(a.writerDone)
		defer stopReplay()
		r.writeLoop(writerCtx, sess, peer, conn)
	}()
	defer func() {
		stopWriter()
		<-a.writerDone
		r.detach(sess, a)
	}()

	report, err := r.recovery.Recover(replayCtx, sess)
	if err != nil {
		if errors.Is(err, recovery.ErrReplayRejected) {
			_ = writeWSError(peer, "", protocol.CodeUnavailable, "history unavailable; retry later", true)
		}
		logger.Warn().Err(err).Msg("recovery failed; closing connection")
		r.registry.Remove(sess.ID)
		return
	}
	logger.Debug().
		Bool("recovered", report.Skipped).
		Int("replayed", report.Replayed).
		Bool("degraded", report.Degraded).
		Msg("session admitted")
	if !resumed {
		r.publishPresence(bus.KindOnline, sess)
	}

	r.readLoop(ctx, sess, peer, conn)
}

// writeLoop drains the session outbox onto the connection. An event that
// fails to send is put back so a resumed connection sends it first.
func (r *Relay) writeLoop(ctx context.Context, sess *session.Session, peer *wsPeer, conn io.Closer) {
	for {
		e, err := sess.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, session.ErrOutboxFull) {
				_ = writeWSError(peer, "", protocol.CodeResourceExhausted, "client fell behind; reconnect to resume", true)
			}
			_ = conn.Close()
			return
		}
		frameType, payload, ok := eventFrame(e)
		if !ok {
			continue
		}
		if err := peer.write(frameType, "", payload); err != nil {
			sess.Unread(e)
			_ = conn.Close()
			return
		}
		sess.Written(e)
	}
}

func eventFrame(e bus.Event) (string, any, bool) {
	switch e.Kind {
	case bus.KindAccepted:
		return protocol.TypeMessage, protocol.MessagePayload{Content: e.Content, Sequence: e.Sequence}, true
	case bus.KindOnline:
		return protocol.TypePresence, protocol.PresencePayload{User: e.User, Status: protocol.StatusOnline}, true
	case bus.KindOffline:
		return protocol.TypePresence, protocol.PresencePayload{User: e.User, Status: protocol.StatusOffline}, true
	case bus.KindTyping:
		return protocol.TypeTyping, protocol.TypingPayload{User: e.User}, true
	default:
		return "", nil, false
	}
}

func (r *Relay) readLoop(ctx context.Context, sess *session.Session, peer *wsPeer, conn *websocket.Conn) {
	decoder := json.NewDecoder(conn)
	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0

	for {
		var frame protocol.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || sess.Err() != nil {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", protocol.CodeInvalidArgument, "invalid frame payload", false)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, protocol.CodeInvalidArgument, "payload too large", false)
			continue
		}
		if !limiter.Allow() {
			_ = writeWSError(peer, frame.RequestID, protocol.CodeResourceExhausted, "rate limit exceeded", false)
			return
		}

		switch frame.Type {
		case protocol.TypePublish:
			r.handlePublishFrame(ctx, sess, peer, frame)
		case protocol.TypeTyping:
			r.handleTypingFrame(ctx, sess)
		default:
			_ = writeWSError(peer, frame.RequestID, protocol.CodeInvalidArgument, "unsupported frame type", false)
		}
	}
}

func (r *Relay) handlePublishFrame(ctx context.Context, sess *session.Session, peer *wsPeer, frame protocol.Frame) {
	payload, err := protocol.DecodePayload[protocol.PublishPayload](frame)
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, protocol.CodeInvalidArgument, "invalid publish payload", false)
		return
	}

	result, err := r.delivery.Publish(ctx, delivery.Request{
		SessionID:  sess.ID,
		Content:    payload.Content,
		DedupToken: payload.DedupToken,
	})
	if errors.Is(err, storage.ErrInvalidToken) {
		_ = writeWSError(peer, frame.RequestID, protocol.CodeInvalidArgument, err.Error(), false)
		return
	}
	if !result.State.Acknowledged() {
		// No ack: the client resends the same token after its timeout.
		return
	}
	_ = peer.write(protocol.TypeAck, frame.RequestID, protocol.AckPayload{
		Status:    "ok",
		Sequence:  result.Sequence,
		Duplicate: result.State == delivery.StateDuplicateIgnored,
	})
}

func (r *Relay) handleTypingFrame(ctx context.Context, sess *session.Session) {
	if err := r.bus.Publish(ctx, bus.Typing(sess.User, r.workerID, sess.ID)); err != nil {
		r.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("typing not published")
	}
}
