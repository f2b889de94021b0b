// Package recovery replays missed history to a session before it joins live
// delivery.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/frorz1/wss/internal/services/relay/session"
	"github.com/frorz1/wss/internal/services/relay/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/frorz1/wss/internal/services/relay/recovery"

// ErrReplayRejected is returned under PolicyReject when history could not be
// read. The caller should refuse the connection.
var ErrReplayRejected = errors.New("replay unavailable")

// Policy decides what happens to a session whose history read fails.
type Policy string

const (
	// PolicyAdmit lets the session join live delivery without the missing
	// history.
	PolicyAdmit Policy = "admit"
	// PolicyReject refuses the session.
	PolicyReject Policy = "reject"
)

// ParsePolicy reads a policy name; empty means PolicyAdmit.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyAdmit:
		return PolicyAdmit, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown recovery policy %q", raw)
	}
}

// Report summarizes one recovery.
type Report struct {
	// Skipped is set when the session was restored by the transport.
	Skipped bool
	// Replayed counts messages queued from the store.
	Replayed int
	// LastSequence is the highest sequence replayed, or the session's
	// starting point when nothing was.
	LastSequence int64
	// Degraded is set when the store read failed and the session was
	// admitted anyway.
	Degraded bool
}

// Config wires a Coordinator.
type Config struct {
	Store  storage.Store
	Policy Policy
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
	Logger        zerolog.Logger
}

// Coordinator runs recovery for new sessions.
type Coordinator struct {
	store  storage.Store
	policy Policy
	logger zerolog.Logger
	tracer trace.Tracer

	replayed     metric.Int64Counter
	readFailures metric.Int64Counter
}

// New builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("message store is required")
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyAdmit
	}
	if policy != PolicyAdmit && policy != PolicyReject {
		return nil, fmt.Errorf("unknown recovery policy %q", policy)
	}
	meterProvider := cfg.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}
	meter := meterProvider.Meter(instrumentationName)
	replayed, err := meter.Int64Counter("relay.recovery.replayed_messages",
		metric.WithDescription("Messages replayed to reconnecting sessions."))
	if err != nil {
		return nil, fmt.Errorf("create replay counter: %w", err)
	}
	readFailures, err := meter.Int64Counter("relay.recovery.read_failures",
		metric.WithDescription("Recoveries whose history read failed."))
	if err != nil {
		return nil, fmt.Errorf("create read failure counter: %w", err)
	}
	return &Coordinator{
		store:        cfg.Store,
		policy:       policy,
		logger:       cfg.Logger,
		tracer:       otel.Tracer(instrumentationName),
		replayed:     replayed,
		readFailures: readFailures,
	}, nil
}

// Recover replays history to s and then opens it for live delivery.
//
// A recovered session is opened straight away. Otherwise every message after
// s.LastKnownSequence is queued in order first; live events that arrive in
// the meantime are held by the session and released by Open without
// duplicating what replay covered.
func (c *Coordinator) Recover(ctx context.Context, s *session.Session) (Report, error) {
	if c == nil {
		return Report{}, errors.New("recovery coordinator is not configured")
	}
	if s == nil {
		return Report{}, errors.New("session is required")
	}
	if s.Recovered() {
		return Report{Skipped: true, LastSequence: s.LastKnownSequence}, s.Open()
	}

	ctx, span := c.tracer.Start(ctx, "relay.recover", trace.WithAttributes(
		attribute.String("relay.session_id", s.ID),
		attribute.Int64("relay.last_known_sequence", s.LastKnownSequence),
	))
	defer span.End()

	report := Report{LastSequence: s.LastKnownSequence}
	var readErr error
	for msg, err := range c.store.ReadFrom(ctx, s.LastKnownSequence) {
		if err != nil {
			readErr = err
			break
		}
		event := bus.Event{
			Kind:     bus.KindAccepted,
			Sequence: msg.Sequence,
			Content:  msg.Content,
			At:       msg.AcceptedAt,
		}
		if err := s.Replay(ctx, event); err != nil {
			span.RecordError(err)
			return report, fmt.Errorf("replay sequence %d: %w", msg.Sequence, err)
		}
		report.Replayed++
		report.LastSequence = msg.Sequence
	}
	if report.Replayed > 0 {
		c.replayed.Add(ctx, int64(report.Replayed))
	}
	span.SetAttributes(attribute.Int("relay.replayed", report.Replayed))

	// A connection that went away mid-replay is never admitted with a
	// partial history.
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return report, err
	}
	if readErr != nil {
		c.readFailures.Add(ctx, 1)
		span.RecordError(readErr)
		if c.policy == PolicyReject {
			span.SetStatus(codes.Error, "replay rejected")
			c.logger.Warn().Err(readErr).
				Str("session_id", s.ID).
				Int64("last_known_sequence", s.LastKnownSequence).
				Msg("history read failed; refusing session")
			return report, fmt.Errorf("%w: %w", ErrReplayRejected, readErr)
		}
		report.Degraded = true
		c.logger.Warn().Err(readErr).
			Str("session_id", s.ID).
			Int64("last_known_sequence", s.LastKnownSequence).
			Int("replayed", report.Replayed).
			Msg("history read failed; admitting session without full replay")
	}

	if err := s.Open(); err != nil {
		return report, err
	}
	return report, nil
}
