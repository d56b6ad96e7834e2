package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/alva-duet/internal/domain"
	"github.com/ashureev/alva-duet/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetryAttempts = 3
	writeRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		transcript_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		end_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_owner ON transcripts(user_id, session_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_transcripts_started ON transcripts(started_at);

	CREATE TABLE IF NOT EXISTS messages (
		transcript_id TEXT NOT NULL REFERENCES transcripts(transcript_id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL,
		PRIMARY KEY (transcript_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// write runs a mutating statement under the write mutex, retrying on SQLite contention.
func (s *SQLiteStore) write(ctx context.Context, op func() error) error {
	return shared.RetryOnConflict(ctx, writeRetryAttempts, writeRetryDelay, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return op()
	})
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	err := s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`

	var rows int64
	err := s.write(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// CreateTranscript records the start of a conversation run.
func (s *SQLiteStore) CreateTranscript(ctx context.Context, t *domain.Transcript) error {
	query := `
	INSERT INTO transcripts (transcript_id, user_id, session_id, started_at)
	VALUES (?, ?, ?, ?)`

	err := s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, t.ID, t.UserID, t.SessionID, t.StartedAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("create transcript: %w", err)
	}
	return nil
}

// AppendMessage stores one message of a transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, transcriptID string, seq int, msg domain.ChatMessage) error {
	query := `
	INSERT INTO messages (transcript_id, seq, speaker, text, ts)
	VALUES (?, ?, ?, ?, ?)`

	err := s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			transcriptID, seq, string(msg.Speaker), msg.Text, msg.Timestamp.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// FinishTranscript marks a run as ended.
func (s *SQLiteStore) FinishTranscript(ctx context.Context, transcriptID string, endedAt time.Time, reason string) error {
	query := `UPDATE transcripts SET ended_at = ?, end_reason = ? WHERE transcript_id = ? AND ended_at IS NULL`

	var rows int64
	err := s.write(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query, endedAt.UnixMilli(), reason, transcriptID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finish transcript: %w", err)
	}
	if rows == 0 {
		slog.Warn("FinishTranscript affected 0 rows", "transcript_id", transcriptID)
	}
	return nil
}

const transcriptColumns = `
	t.transcript_id, t.user_id, t.session_id, t.started_at, t.ended_at, t.end_reason,
	(SELECT COUNT(*) FROM messages m WHERE m.transcript_id = t.transcript_id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*domain.Transcript, error) {
	var t domain.Transcript
	var startedAt int64
	var endedAt sql.NullInt64
	var reason sql.NullString

	if err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &startedAt, &endedAt, &reason, &t.Messages); err != nil {
		return nil, err
	}
	t.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		ended := time.UnixMilli(endedAt.Int64)
		t.EndedAt = &ended
	}
	t.EndReason = reason.String
	return &t, nil
}

// GetTranscript retrieves a transcript header.
func (s *SQLiteStore) GetTranscript(ctx context.Context, transcriptID string) (*domain.Transcript, error) {
	query := `SELECT` + transcriptColumns + ` FROM transcripts t WHERE t.transcript_id = ?`

	t, err := scanTranscript(s.db.QueryRowContext(ctx, query, transcriptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return t, nil
}

// LatestTranscript returns the most recent transcript for a user's tab session.
func (s *SQLiteStore) LatestTranscript(ctx context.Context, userID, sessionID string) (*domain.Transcript, error) {
	query := `SELECT` + transcriptColumns + `
		FROM transcripts t
		WHERE t.user_id = ? AND t.session_id = ?
		ORDER BY t.started_at DESC LIMIT 1`

	t, err := scanTranscript(s.db.QueryRowContext(ctx, query, userID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest transcript: %w", err)
	}
	return t, nil
}

// ListTranscripts returns a user's transcripts, newest first.
func (s *SQLiteStore) ListTranscripts(ctx context.Context, userID string, limit int) ([]*domain.Transcript, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT` + transcriptColumns + `
		FROM transcripts t
		WHERE t.user_id = ?
		ORDER BY t.started_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var out []*domain.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

// ListMessages returns a transcript's messages in order.
func (s *SQLiteStore) ListMessages(ctx context.Context, transcriptID string) ([]domain.ChatMessage, error) {
	query := `SELECT speaker, text, ts FROM messages WHERE transcript_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, transcriptID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []domain.ChatMessage
	for rows.Next() {
		var speaker, text string
		var ts int64
		if err := rows.Scan(&speaker, &text, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, domain.NewMessage(domain.Speaker(speaker), text, time.UnixMilli(ts)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// DeleteTranscriptsBefore removes transcripts started before cutoff.
func (s *SQLiteStore) DeleteTranscriptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.write(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		threshold := cutoff.UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE transcript_id IN (SELECT transcript_id FROM transcripts WHERE started_at < ?)`,
			threshold,
		); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM transcripts WHERE started_at < ?`, threshold)
		if err != nil {
			return err
		}
		if deleted, err = result.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("delete old transcripts: %w", err)
	}
	return deleted, nil
}
