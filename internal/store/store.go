// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/alva-duet/internal/domain"
)

// Repository defines the interface for persisting users and conversation transcripts.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateTranscript records the start of a conversation run.
	CreateTranscript(ctx context.Context, t *domain.Transcript) error

	// AppendMessage stores one message of a transcript at position seq.
	AppendMessage(ctx context.Context, transcriptID string, seq int, msg domain.ChatMessage) error

	// FinishTranscript marks a run as ended with the given reason.
	FinishTranscript(ctx context.Context, transcriptID string, endedAt time.Time, reason string) error

	// GetTranscript retrieves a transcript header. Returns nil, nil when absent.
	GetTranscript(ctx context.Context, transcriptID string) (*domain.Transcript, error)

	// LatestTranscript returns the most recent transcript for a user's tab session.
	LatestTranscript(ctx context.Context, userID, sessionID string) (*domain.Transcript, error)

	// ListTranscripts returns a user's transcripts, newest first.
	ListTranscripts(ctx context.Context, userID string, limit int) ([]*domain.Transcript, error)

	// ListMessages returns a transcript's messages in order.
	ListMessages(ctx context.Context, transcriptID string) ([]domain.ChatMessage, error)

	// DeleteTranscriptsBefore removes transcripts (and their messages) started before cutoff.
	DeleteTranscriptsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
