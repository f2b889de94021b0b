// Package storage defines the durable message log contract for the relay.
//
// The log is append-only: each accepted message is recorded exactly once per
// dedup token and receives a sequence that is never reused. Retention and
// compaction are owned by operators, not by this package.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxDedupTokenRunes caps client-supplied dedup tokens.
const MaxDedupTokenRunes = 128

var (
	// ErrUnavailable marks storage failures that are safe to retry.
	// Callers must not treat them as acceptance.
	ErrUnavailable = errors.New("message store unavailable")
	// ErrInvalidToken indicates an empty or oversized dedup token.
	ErrInvalidToken = errors.New("invalid dedup token")
)

// Message is one accepted entry of the log.
type Message struct {
	Sequence   int64
	DedupToken string
	Content    string
	AcceptedAt time.Time
}

// Outcome reports what Append did with a submission.
type Outcome int

const (
	// OutcomeAccepted means a new sequence was assigned.
	OutcomeAccepted Outcome = iota + 1
	// OutcomeDuplicate means the token was already recorded; nothing was written.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// AppendResult carries the stored message for a submission.
//
// For OutcomeDuplicate, Message is the original record, so Sequence is the
// one the token was first accepted with.
type AppendResult struct {
	Message Message
	Outcome Outcome
}

// Store persists the relay message log.
type Store interface {
	// Append records content under dedupToken unless the token already exists.
	Append(ctx context.Context, dedupToken string, content string) (AppendResult, error)
	// ReadFrom yields messages with a sequence strictly greater than
	// afterSequence in ascending order. Each call re-reads current state.
	// At most one error is yielded, after which iteration stops.
	ReadFrom(ctx context.Context, afterSequence int64) iter.Seq2[Message, error]
	// LatestSequence returns the highest assigned sequence, or zero.
	LatestSequence(ctx context.Context) (int64, error)
	Close() error
}

// NormalizeDedupToken trims and validates a client dedup token.
func NormalizeDedupToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	if utf8.RuneCountInString(token) > MaxDedupTokenRunes {
		return "", fmt.Errorf("%w: token must be at most %d characters", ErrInvalidToken, MaxDedupTokenRunes)
	}
	return token, nil
}

// Transient wraps err so errors.Is(err, ErrUnavailable) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
