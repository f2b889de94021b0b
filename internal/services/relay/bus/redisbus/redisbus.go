// Package redisbus implements the relay fan-out bus on Redis pub/sub.
//
// Redis pub/sub matches the bus contract closely: every subscriber connected
// at publish time gets the message, in one server-wide order, and nothing is
// retained for subscribers that were away.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultChannel is the pub/sub channel shared by all workers.
	DefaultChannel = "relay:events"

	defaultRetryDelay = time.Second
)

// Config configures a Redis bus.
type Config struct {
	Channel    string
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

// Bus publishes relay events on a Redis channel.
type Bus struct {
	client     redis.UniversalClient
	ownsClient bool
	channel    string
	retryDelay time.Duration
	logger     zerolog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Open dials addr, verifies the connection and returns a bus that owns the
// client.
func Open(ctx context.Context, addr string, cfg Config) (*Bus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	b := New(client, cfg)
	b.ownsClient = true
	return b, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client redis.UniversalClient, cfg Config) *Bus {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Bus{
		client:     client,
		channel:    channel,
		retryDelay: retryDelay,
		logger:     cfg.Logger,
		subs:       make(map[*subscription]struct{}),
	}
}

// Publish encodes e as JSON and publishes it on the bus channel.
func (b *Bus) Publish(ctx context.Context, e bus.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe attaches h to the channel. It returns once Redis has confirmed
// the subscription, so events published afterwards reach h.
func (b *Bus) Subscribe(ctx context.Context, h bus.Handler) (bus.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		bus:    b,
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	bus.NotifyState(h, true)
	go sub.run(runCtx, h)
	return sub, nil
}

// Close detaches every subscription and closes an owned client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

type subscription struct {
	bus    *Bus
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) run(ctx context.Context, h bus.Handler) {
	defer close(s.done)
	logger := s.bus.logger
	attached := true
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if attached {
				attached = false
				logger.Warn().Err(err).Str("channel", s.bus.channel).Msg("bus subscription detached")
				bus.NotifyState(h, false)
			}
			if !wait(ctx, s.bus.retryDelay) {
				return
			}
			continue
		}
		if !attached {
			attached = true
			logger.Info().Str("channel", s.bus.channel).Msg("bus subscription reattached")
			bus.NotifyState(h, true)
		}

		var e bus.Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			logger.Warn().Err(err).Str("channel", s.bus.channel).Msg("dropping undecodable bus event")
			continue
		}
		if err := e.Validate(); err != nil {
			logger.Warn().Err(err).Str("channel", s.bus.channel).Msg("dropping invalid bus event")
			continue
		}
		h.HandleEvent(e)
	}
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	<-s.done
	return err
}

func wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ bus.Bus = (*Bus)(nil)
