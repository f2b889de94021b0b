// Package sqlite provides the SQLite-backed relay message log.
//
// Several worker processes on one host may open the same database file; WAL
// mode and a busy timeout let them share it, and the UNIQUE constraint on
// dedup_token is the only serialization point between writers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/frorz1/wss/internal/platform/storage/sqlitemigrate"
	"github.com/frorz1/wss/internal/services/relay/storage"
	"github.com/frorz1/wss/internal/services/relay/storage/sqlite/migrations"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var tracer = otel.Tracer("github.com/frorz1/wss/internal/services/relay/storage/sqlite")

// Store persists the relay message log in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite message store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append records content under dedupToken. A token that already exists yields
// OutcomeDuplicate with the original message and writes nothing.
func (s *Store) Append(ctx context.Context, dedupToken string, content string) (result storage.AppendResult, err error) {
	if err := ctx.Err(); err != nil {
		return storage.AppendResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AppendResult{}, fmt.Errorf("storage is not configured")
	}
	dedupToken, err = storage.NormalizeDedupToken(dedupToken)
	if err != nil {
		return storage.AppendResult{}, err
	}

	ctx, span := tracer.Start(ctx, "relay.store.append", trace.WithAttributes(attribute.String("relay.dedup_token", dedupToken)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append failed")
		} else {
			span.SetAttributes(
				attribute.String("relay.outcome", result.Outcome.String()),
				attribute.Int64("relay.sequence", result.Message.Sequence),
			)
		}
		span.End()
	}()

	acceptedAt := s.now().UTC().Truncate(time.Millisecond)
	res, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (dedup_token, content, accepted_at) VALUES (?, ?, ?)`,
		dedupToken,
		content,
		toMillis(acceptedAt),
	)
	if err != nil {
		if !isDedupTokenViolation(err) {
			return storage.AppendResult{}, storage.Transient(fmt.Errorf("insert message: %w", err))
		}
		original, err := s.messageByToken(ctx, dedupToken)
		if err != nil {
			return storage.AppendResult{}, storage.Transient(fmt.Errorf("load duplicate message: %w", err))
		}
		return storage.AppendResult{Message: original, Outcome: storage.OutcomeDuplicate}, nil
	}

	sequence, err := res.LastInsertId()
	if err != nil {
		return storage.AppendResult{}, storage.Transient(fmt.Errorf("read assigned sequence: %w", err))
	}
	return storage.AppendResult{
		Message: storage.Message{
			Sequence:   sequence,
			DedupToken: dedupToken,
			Content:    content,
			AcceptedAt: acceptedAt,
		},
		Outcome: storage.OutcomeAccepted,
	}, nil
}

func (s *Store) messageByToken(ctx context.Context, dedupToken string) (storage.Message, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT sequence, dedup_token, content, accepted_at FROM messages WHERE dedup_token = ?`,
		dedupToken,
	)
	return scanMessage(row)
}

// ReadFrom yields messages after afterSequence in ascending order. The query
// runs when iteration starts, so every range over the result re-reads.
func (s *Store) ReadFrom(ctx context.Context, afterSequence int64) iter.Seq2[storage.Message, error] {
	return func(yield func(storage.Message, error) bool) {
		if s == nil || s.sqlDB == nil {
			yield(storage.Message{}, fmt.Errorf("storage is not configured"))
			return
		}
		ctx, span := tracer.Start(ctx, "relay.store.read_from", trace.WithAttributes(attribute.Int64("relay.after_sequence", afterSequence)))
		defer span.End()

		rows, err := s.sqlDB.QueryContext(
			ctx,
			`SELECT sequence, dedup_token, content, accepted_at
			   FROM messages
			  WHERE sequence > ?
			  ORDER BY sequence ASC`,
			afterSequence,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query failed")
			yield(storage.Message{}, storage.Transient(fmt.Errorf("read messages: %w", err)))
			return
		}
		defer rows.Close()

		count := 0
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				span.RecordError(err)
				yield(storage.Message{}, storage.Transient(fmt.Errorf("scan message: %w", err)))
				return
			}
			count++
			if !yield(msg, nil) {
				span.SetAttributes(attribute.Int("relay.read_count", count))
				return
			}
		}
		span.SetAttributes(attribute.Int("relay.read_count", count))
		if err := rows.Err(); err != nil {
			span.RecordError(err)
			yield(storage.Message{}, storage.Transient(fmt.Errorf("iterate messages: %w", err)))
		}
	}
}

// LatestSequence returns the highest assigned sequence, or zero for an empty log.
func (s *Store) LatestSequence(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var latest sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT MAX(sequence) FROM messages`).Scan(&latest); err != nil {
		return 0, storage.Transient(fmt.Errorf("latest sequence: %w", err))
	}
	return latest.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (storage.Message, error) {
	var msg storage.Message
	var acceptedAt int64
	if err := row.Scan(&msg.Sequence, &msg.DedupToken, &msg.Content, &acceptedAt); err != nil {
		return storage.Message{}, err
	}
	msg.AcceptedAt = fromMillis(acceptedAt)
	return msg, nil
}

func isDedupTokenViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "messages.dedup_token")
}

var _ storage.Store = (*Store)(nil)
