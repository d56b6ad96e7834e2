// Package retention prunes old conversation transcripts.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/alva-duet/internal/shared"
	"github.com/ashureev/alva-duet/internal/store"
)

const (
	sweepInterval  = time.Hour
	deleteAttempts = 3
	deleteBackoff  = 100 * time.Millisecond
)

// Start runs a background goroutine that periodically deletes transcripts older than
// ttl. A non-positive ttl disables the worker.
func Start(ctx context.Context, repo store.Repository, ttl time.Duration) {
	if ttl <= 0 {
		slog.Info("Retention worker disabled")
		return
	}
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", sweepInterval, "ttl", ttl)

		if _, err := Sweep(ctx, repo, ttl, time.Now()); err != nil {
			slog.Error("Retention sweep failed", "error", err)
		}
		for {
			select {
			case now := <-ticker.C:
				if _, err := Sweep(ctx, repo, ttl, now); err != nil {
					slog.Error("Retention sweep failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes transcripts started before now-ttl, retrying while SQLite is busy.
func Sweep(ctx context.Context, repo store.Repository, ttl time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-ttl)
	var deleted int64
	err := shared.RetryOnConflict(ctx, deleteAttempts, deleteBackoff, func() error {
		n, err := repo.DeleteTranscriptsBefore(ctx, cutoff)
		deleted = n
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention sweep interrupted", "error", err)
			return 0, nil
		}
		return 0, err
	}
	if deleted > 0 {
		slog.Info("Retention sweep removed transcripts", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}
