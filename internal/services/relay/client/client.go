// Package client is a Go client for the relay WebSocket endpoint.
//
// Publish retries with a stable dedup token until the relay acknowledges,
// and incoming messages are filtered by sequence so replay overlap is never
// shown twice.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/frorz1/wss/internal/platform/timeouts"
	"github.com/frorz1/wss/internal/services/relay/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

const (
	// DefaultMaxAttempts bounds how often Publish sends one message.
	DefaultMaxAttempts = 5

	maxTrackedSequences = 4096
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client is closed")
	// ErrNoAck is returned when every publish attempt timed out.
	ErrNoAck = errors.New("publish was not acknowledged")
	// ErrDisconnected is returned by calls that need a live connection.
	ErrDisconnected = errors.New("client is disconnected")

	errAckTimeout = errors.New("ack timed out")
)

// ServerError is an error frame sent by the relay.
type ServerError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	// URL is the relay endpoint, for example ws://127.0.0.1:3000/ws.
	URL string
	// Origin defaults to the http form of URL.
	Origin      string
	User        string
	AckTimeout  time.Duration
	MaxAttempts int
	// LastSequence seeds the first connect, for clients that persisted it.
	LastSequence int64

	OnMessage  func(protocol.MessagePayload)
	OnPresence func(protocol.PresencePayload)
	OnTyping   func(protocol.TypingPayload)
	Logger     zerolog.Logger
}

// Client holds one relay connection and reconnects it on demand.
type Client struct {
	cfg Config

	sendMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	encoder   *json.Encoder
	readDone  chan struct{}
	sessionID string
	recovered bool
	lastSeq   int64
	framesIn  int64
	delivered map[int64]struct{}
	waiters   map[string]chan reply
	closed    bool
}

type reply struct {
	ack protocol.AckPayload
	err *ServerError
}

// Dial connects to the relay.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("relay url is required")
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = timeouts.Ack
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LastSequence < 0 {
		cfg.LastSequence = 0
	}
	c := &Client{
		cfg:       cfg,
		lastSeq:   cfg.LastSequence,
		delivered: make(map[int64]struct{}),
		waiters:   make(map[string]chan reply),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// SessionID is the relay session of the current connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Recovered reports whether the current connection resumed the previous
// session without replay.
func (c *Client) Recovered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recovered
}

// LastSequence is the highest message sequence delivered to OnMessage.
func (c *Client) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Publish sends content and blocks until the relay acknowledges it. Every
// attempt carries the same dedup token, so a retry after a lost ack is
// recorded once. The returned sequence is the one the relay assigned.
func (c *Client) Publish(ctx context.Context, content string) (int64, error) {
	token := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		seq, err := c.publishOnce(ctx, content, token)
		if err == nil {
			return seq, nil
		}
		var serverErr *ServerError
		switch {
		case errors.As(err, &serverErr) && !serverErr.Retryable:
			return 0, err
		case errors.Is(err, ErrClosed), ctx.Err() != nil:
			return 0, err
		}
		lastErr = err
		c.cfg.Logger.Debug().Err(err).
			Int("attempt", attempt).
			Str("dedup_token", token).
			Msg("publish not acknowledged; retrying")

		if errors.Is(err, ErrDisconnected) || serverErr != nil {
			if err := c.Reconnect(ctx); err != nil {
				lastErr = err
			}
		}
	}
	return 0, fmt.Errorf("%w after %d attempts: %w", ErrNoAck, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, content string, token string) (int64, error) {
	requestID := uuid.NewString()
	wait := make(chan reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	readDone := c.readDone
	c.waiters[requestID] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(protocol.TypePublish, requestID, protocol.PublishPayload{
		Content:    content,
		DedupToken: token,
	}); err != nil {
		return 0, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case r := <-wait:
		if r.err != nil {
			return 0, r.err
		}
		return r.ack.Sequence, nil
	case <-timer.C:
		return 0, errAckTimeout
	case <-readDone:
		return 0, ErrDisconnected
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Typing tells other clients this user is typing.
func (c *Client) Typing() error {
	return c.send(protocol.TypeTyping, "", struct{}{})
}

// Reconnect replaces the connection. The relay resumes the previous session
// when it still holds it and this client saw everything written to it;
// otherwise it replays from LastSequence.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	readDone := c.readDone
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		<-readDone
	}
	return c.connect(ctx)
}

// Close ends the connection. Pending publishes fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	readDone := c.readDone
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-readDone
	return err
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	query := url.Values{}
	if user := strings.TrimSpace(c.cfg.User); user != "" {
		query.Set(protocol.QueryUser, user)
	}
	query.Set(protocol.QueryLastSequence, strconv.FormatInt(c.lastSeq, 10))
	if c.sessionID != "" {
		query.Set(protocol.QuerySessionID, c.sessionID)
		query.Set(protocol.QuerySeen, strconv.FormatInt(c.framesIn, 10))
	}
	c.mu.Unlock()

	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	target.RawQuery = query.Encode()
	origin := c.cfg.Origin
	if origin == "" {
		origin = originFor(target)
	}
	wsConfig, err := websocket.NewConfig(target.String(), origin)
	if err != nil {
		return fmt.Errorf("build websocket config: %w", err)
	}
	conn, err := wsConfig.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	decoder := json.NewDecoder(conn)
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var frame protocol.Frame
	if err := decoder.Decode(&frame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if frame.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return fmt.Errorf("expected %s frame, got %q", protocol.TypeWelcome, frame.Type)
	}
	welcome, err := protocol.DecodePayload[protocol.WelcomePayload](frame)
	if err != nil {
		_ = conn.Close()
		return err
	}

	readDone := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.encoder = json.NewEncoder(conn)
	c.readDone = readDone
	c.sessionID = welcome.SessionID
	c.recovered = welcome.Recovered
	if !welcome.Recovered {
		c.framesIn = 0
	}
	c.mu.Unlock()

	c.cfg.Logger.Debug().
		Str("session_id", welcome.SessionID).
		Bool("recovered", welcome.Recovered).
		Int64("latest_sequence", welcome.LatestSequence).
		Msg("connected to relay")

	go c.readLoop(decoder, readDone)
	return nil
}

func originFor(target *url.URL) string {
	scheme := "http"
	if target.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + target.Host
}

func (c *Client) send(frameType string, requestID string, payload any) error {
	frame, err := protocol.NewFrame(frameType, requestID, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	encoder := c.encoder
	c.mu.Unlock()
	if encoder == nil {
		return ErrDisconnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := encoder.Encode(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

func (c *Client) readLoop(decoder *json.Decoder, done chan struct{}) {
	defer close(done)
	for {
		var frame protocol.Frame
		if err := decoder.Decode(&frame); err != nil {
			c.cfg.Logger.Debug().Err(err).Msg("relay connection ended")
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeMessage:
		msg, err := protocol.DecodePayload[protocol.MessagePayload](frame)
		if err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("drop malformed message frame")
			return
		}
		if c.markDelivered(msg.Sequence) && c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
	case protocol.TypeAck:
		ack, err := protocol.DecodePayload[protocol.AckPayload](frame)
		if err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("drop malformed ack frame")
			return
		}
		c.resolve(frame.RequestID, reply{ack: ack})
	case protocol.TypeError:
		envelope, err := protocol.DecodePayload[protocol.ErrorEnvelope](frame)
		if err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("drop malformed error frame")
			return
		}
		serverErr := &ServerError{
			Code:      envelope.Error.Code,
			Message:   envelope.Error.Message,
			Retryable: envelope.Error.Retryable,
		}
		if !c.resolve(frame.RequestID, reply{err: serverErr}) {
			c.cfg.Logger.Warn().Err(serverErr).Msg("relay reported an error")
		}
	case protocol.TypePresence:
		presence, err := protocol.DecodePayload[protocol.PresencePayload](frame)
		if err == nil && c.cfg.OnPresence != nil {
			c.cfg.OnPresence(presence)
		}
	case protocol.TypeTyping:
		typing, err := protocol.DecodePayload[protocol.TypingPayload](frame)
		if err == nil && c.cfg.OnTyping != nil {
			c.cfg.OnTyping(typing)
		}
	}
}

// markDelivered counts a message frame and reports whether its sequence is
// new to this client.
func (c *Client) markDelivered(sequence int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesIn++
	if _, ok := c.delivered[sequence]; ok {
		return false
	}
	c.delivered[sequence] = struct{}{}
	if sequence > c.lastSeq {
		c.lastSeq = sequence
	}
	if len(c.delivered) > maxTrackedSequences {
		floor := c.lastSeq - maxTrackedSequences/2
		for seq := range c.delivered {
			if seq < floor {
				delete(c.delivered, seq)
			}
		}
	}
	return true
}

func (c *Client) resolve(requestID string, r reply) bool {
	if requestID == "" {
		return false
	}
	c.mu.Lock()
	wait, ok := c.waiters[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case wait <- r:
	default:
	}
	return true
}
