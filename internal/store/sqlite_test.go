package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/alva-duet/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "duet.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteUserRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	got, err := repo.GetUser(ctx, "anon_missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil user for missing id, got %v, %v", got, err)
	}

	now := time.Now().Truncate(time.Second)
	user := &domain.User{UserID: "anon_1", Username: "anon-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	later := now.Add(time.Minute)
	if err := repo.UpdateLastSeen(ctx, "anon_1", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	got, err = repo.GetUser(ctx, "anon_1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got == nil || got.Username != "anon-1" || !got.LastSeenAt.Equal(later) {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestSQLiteTranscriptLifecycle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Truncate(time.Millisecond)

	tr := &domain.Transcript{ID: "run-1", UserID: "anon_1", SessionID: "tab-1", StartedAt: start}
	if err := repo.CreateTranscript(ctx, tr); err != nil {
		t.Fatalf("CreateTranscript failed: %v", err)
	}

	msgs := []domain.ChatMessage{
		domain.SystemMessage("starting", start),
		domain.NewMessage(domain.SpeakerBob, "quote one", start.Add(time.Second)),
		domain.NewMessage(domain.SpeakerALVA, "quote two", start.Add(2*time.Second)),
	}
	for i, m := range msgs {
		if err := repo.AppendMessage(ctx, tr.ID, i, m); err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
	}

	if err := repo.FinishTranscript(ctx, tr.ID, start.Add(3*time.Second), "stopped"); err != nil {
		t.Fatalf("FinishTranscript failed: %v", err)
	}

	got, err := repo.GetTranscript(ctx, tr.ID)
	if err != nil || got == nil {
		t.Fatalf("GetTranscript: %v, %v", got, err)
	}
	if !got.Finished() || got.EndReason != "stopped" || got.Messages != 3 {
		t.Fatalf("unexpected transcript header: %+v", got)
	}

	stored, err := repo.ListMessages(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(stored) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(stored))
	}
	for i := range msgs {
		if stored[i].Speaker != msgs[i].Speaker || stored[i].Text != msgs[i].Text || !stored[i].Timestamp.Equal(msgs[i].Timestamp) {
			t.Errorf("message %d mismatch: got %+v want %+v", i, stored[i], msgs[i])
		}
	}
}

func TestSQLiteLatestAndListTranscripts(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	for i, id := range []string{"old", "mid", "new"} {
		if err := repo.CreateTranscript(ctx, &domain.Transcript{
			ID: id, UserID: "anon_1", SessionID: "tab-1", StartedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("CreateTranscript %s: %v", id, err)
		}
	}
	if err := repo.CreateTranscript(ctx, &domain.Transcript{ID: "other", UserID: "anon_2", SessionID: "tab-1", StartedAt: base}); err != nil {
		t.Fatalf("CreateTranscript other: %v", err)
	}

	latest, err := repo.LatestTranscript(ctx, "anon_1", "tab-1")
	if err != nil || latest == nil || latest.ID != "new" {
		t.Fatalf("expected latest transcript 'new', got %+v, %v", latest, err)
	}

	none, err := repo.LatestTranscript(ctx, "anon_1", "tab-9")
	if err != nil || none != nil {
		t.Fatalf("expected no transcript for unknown tab, got %+v, %v", none, err)
	}

	list, err := repo.ListTranscripts(ctx, "anon_1", 2)
	if err != nil {
		t.Fatalf("ListTranscripts failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "mid" {
		t.Fatalf("unexpected listing: %+v", list)
	}
}

func TestSQLiteDeleteTranscriptsBefore(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := &domain.Transcript{ID: "old", UserID: "u", SessionID: "s", StartedAt: now.Add(-48 * time.Hour)}
	fresh := &domain.Transcript{ID: "fresh", UserID: "u", SessionID: "s", StartedAt: now}
	for _, tr := range []*domain.Transcript{old, fresh} {
		if err := repo.CreateTranscript(ctx, tr); err != nil {
			t.Fatalf("CreateTranscript: %v", err)
		}
		if err := repo.AppendMessage(ctx, tr.ID, 0, domain.SystemMessage("hi", tr.StartedAt)); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	deleted, err := repo.DeleteTranscriptsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteTranscriptsBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted transcript, got %d", deleted)
	}

	if got, _ := repo.GetTranscript(ctx, "old"); got != nil {
		t.Fatalf("old transcript should be gone, got %+v", got)
	}
	msgs, err := repo.ListMessages(ctx, "old")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("old messages should be gone, got %d, %v", len(msgs), err)
	}
	if got, _ := repo.GetTranscript(ctx, "fresh"); got == nil {
		t.Fatal("fresh transcript should survive")
	}
}
