// Package postgres provides a PostgreSQL-backed relay message log for
// deployments that already run a database server next to the workers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/frorz1/wss/internal/services/relay/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_messages (
    sequence BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    dedup_token TEXT NOT NULL UNIQUE,
    content TEXT NOT NULL,
    accepted_at TIMESTAMPTZ NOT NULL
)`

// Store persists the relay message log in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to dsn and ensures the message table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Append records content under dedupToken. Concurrent inserts of one token
// are resolved by the unique index: the loser sees no returned row and reads
// the winner's record.
func (s *Store) Append(ctx context.Context, dedupToken string, content string) (storage.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.AppendResult{}, err
	}
	if s == nil || s.pool == nil {
		return storage.AppendResult{}, fmt.Errorf("storage is not configured")
	}
	dedupToken, err := storage.NormalizeDedupToken(dedupToken)
	if err != nil {
		return storage.AppendResult{}, err
	}

	acceptedAt := s.now().UTC().Truncate(time.Microsecond)
	var sequence int64
	err = s.pool.QueryRow(
		ctx,
		`INSERT INTO relay_messages (dedup_token, content, accepted_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (dedup_token) DO NOTHING
		 RETURNING sequence`,
		dedupToken,
		content,
		acceptedAt,
	).Scan(&sequence)
	switch {
	case err == nil:
		return storage.AppendResult{
			Message: storage.Message{
				Sequence:   sequence,
				DedupToken: dedupToken,
				Content:    content,
				AcceptedAt: acceptedAt,
			},
			Outcome: storage.OutcomeAccepted,
		}, nil
	case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
		original, err := s.messageByToken(ctx, dedupToken)
		if err != nil {
			return storage.AppendResult{}, storage.Transient(fmt.Errorf("load duplicate message: %w", err))
		}
		return storage.AppendResult{Message: original, Outcome: storage.OutcomeDuplicate}, nil
	default:
		return storage.AppendResult{}, storage.Transient(fmt.Errorf("insert message: %w", err))
	}
}

func (s *Store) messageByToken(ctx context.Context, dedupToken string) (storage.Message, error) {
	var msg storage.Message
	err := s.pool.QueryRow(
		ctx,
		`SELECT sequence, dedup_token, content, accepted_at FROM relay_messages WHERE dedup_token = $1`,
		dedupToken,
	).Scan(&msg.Sequence, &msg.DedupToken, &msg.Content, &msg.AcceptedAt)
	if err != nil {
		return storage.Message{}, err
	}
	msg.AcceptedAt = msg.AcceptedAt.UTC()
	return msg, nil
}

// ReadFrom yields messages after afterSequence in ascending order.
//
// Identity values are handed out before commit, so a concurrent writer may
// make a lower sequence visible after a higher one. Readers that need gap
// detection should dedup by sequence rather than by high-water mark.
func (s *Store) ReadFrom(ctx context.Context, afterSequence int64) iter.Seq2[storage.Message, error] {
	return func(yield func(storage.Message, error) bool) {
		if s == nil || s.pool == nil {
			yield(storage.Message{}, fmt.Errorf("storage is not configured"))
			return
		}
		rows, err := s.pool.Query(
			ctx,
			`SELECT sequence, dedup_token, content, accepted_at
			   FROM relay_messages
			  WHERE sequence > $1
			  ORDER BY sequence ASC`,
			afterSequence,
		)
		if err != nil {
			yield(storage.Message{}, storage.Transient(fmt.Errorf("read messages: %w", err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var msg storage.Message
			if err := rows.Scan(&msg.Sequence, &msg.DedupToken, &msg.Content, &msg.AcceptedAt); err != nil {
				yield(storage.Message{}, storage.Transient(fmt.Errorf("scan message: %w", err)))
				return
			}
			msg.AcceptedAt = msg.AcceptedAt.UTC()
			if !yield(msg, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(storage.Message{}, storage.Transient(fmt.Errorf("iterate messages: %w", err)))
		}
	}
}

// LatestSequence returns the highest assigned sequence, or zero.
func (s *Store) LatestSequence(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var latest int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM relay_messages`).Scan(&latest); err != nil {
		return 0, storage.Transient(fmt.Errorf("latest sequence: %w", err))
	}
	return latest, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ storage.Store = (*Store)(nil)
