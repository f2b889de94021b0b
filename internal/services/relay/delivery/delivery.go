// Package delivery runs the publish state machine: record, then fan out.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/frorz1/wss/internal/services/relay/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/frorz1/wss/internal/services/relay/delivery"

	busPublishTimeout = 5 * time.Second
)

// State is where a publish attempt ended.
type State int

const (
	// StateAccepted means the message was recorded and fanned out.
	StateAccepted State = iota + 1
	// StateDuplicateIgnored means the dedup token was already recorded.
	StateDuplicateIgnored
	// StateFailed means the store could not record the message. The client
	// is not acknowledged and retries.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateDuplicateIgnored:
		return "duplicate_ignored"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Acknowledged reports whether the publisher should get an ack.
func (s State) Acknowledged() bool {
	return s == StateAccepted || s == StateDuplicateIgnored
}

// Request is one publish attempt from a session.
type Request struct {
	SessionID  string
	Content    string
	DedupToken string
}

// Result is the outcome of Publish. Sequence is set for acknowledged states.
type Result struct {
	State    State
	Sequence int64
}

// Config wires a Coordinator.
type Config struct {
	Store    storage.Store
	Bus      bus.Bus
	WorkerID string
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
	Logger        zerolog.Logger
}

// Coordinator is the only writer of the message store.
type Coordinator struct {
	store    storage.Store
	bus      bus.Bus
	workerID string
	logger   zerolog.Logger
	tracer   trace.Tracer

	outcomes          metric.Int64Counter
	transientFailures metric.Int64Counter
	busFailures       metric.Int64Counter
}

// New builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("message store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	meterProvider := cfg.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}
	meter := meterProvider.Meter(instrumentationName)
	outcomes, err := meter.Int64Counter("relay.publish.outcomes",
		metric.WithDescription("Publish attempts by final state."))
	if err != nil {
		return nil, fmt.Errorf("create outcomes counter: %w", err)
	}
	transientFailures, err := meter.Int64Counter("relay.store.transient_failures",
		metric.WithDescription("Publish attempts left unacknowledged because the store failed."))
	if err != nil {
		return nil, fmt.Errorf("create transient failure counter: %w", err)
	}
	busFailures, err := meter.Int64Counter("relay.bus.publish_failures",
		metric.WithDescription("Accepted messages that could not be published to the bus."))
	if err != nil {
		return nil, fmt.Errorf("create bus failure counter: %w", err)
	}
	return &Coordinator{
		store:             cfg.Store,
		bus:               cfg.Bus,
		workerID:          cfg.WorkerID,
		logger:            cfg.Logger,
		tracer:            otel.Tracer(instrumentationName),
		outcomes:          outcomes,
		transientFailures: transientFailures,
		busFailures:       busFailures,
	}, nil
}

// Publish records req and fans it out.
//
// The sender is never echoed locally; it sees its own message when the bus
// delivers it back, in the same order as everyone else. A StateFailed result
// comes with the store error. An invalid dedup token is returned as an error
// with no state.
func (c *Coordinator) Publish(ctx context.Context, req Request) (Result, error) {
	if c == nil {
		return Result{}, errors.New("delivery coordinator is not configured")
	}
	token, err := storage.NormalizeDedupToken(req.DedupToken)
	if err != nil {
		return Result{}, err
	}

	ctx, span := c.tracer.Start(ctx, "relay.publish", trace.WithAttributes(
		attribute.String("relay.session_id", req.SessionID),
		attribute.String("relay.dedup_token", token),
	))
	defer span.End()

	appended, err := c.store.Append(ctx, token, req.Content)
	if err != nil {
		c.record(ctx, StateFailed)
		c.transientFailures.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store append failed")
		c.logger.Warn().Err(err).
			Str("session_id", req.SessionID).
			Str("dedup_token", token).
			Msg("publish not acknowledged; client will retry")
		return Result{State: StateFailed}, err
	}

	result := Result{Sequence: appended.Message.Sequence}
	switch appended.Outcome {
	case storage.OutcomeDuplicate:
		result.State = StateDuplicateIgnored
		c.logger.Debug().
			Str("session_id", req.SessionID).
			Str("dedup_token", token).
			Int64("sequence", result.Sequence).
			Msg("duplicate publish acknowledged")
	default:
		result.State = StateAccepted
		event := bus.Accepted(appended.Message.Sequence, appended.Message.Content, c.workerID)
		if err := c.publish(ctx, event); err != nil {
			c.busFailures.Add(ctx, 1)
			span.RecordError(err)
			c.logger.Warn().Err(err).
				Int64("sequence", result.Sequence).
				Msg("accepted message missed the bus; clients recover it on reconnect")
		}
	}
	span.SetAttributes(
		attribute.Int64("relay.sequence", result.Sequence),
		attribute.String("relay.outcome", result.State.String()),
	)
	c.record(ctx, result.State)
	return result, nil
}

// publish outlives the caller's context: once recorded, the message should
// reach the bus even if the publishing connection is gone.
func (c *Coordinator) publish(ctx context.Context, event bus.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), busPublishTimeout)
	defer cancel()
	return c.bus.Publish(ctx, event)
}

func (c *Coordinator) record(ctx context.Context, state State) {
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", state.String())))
}
