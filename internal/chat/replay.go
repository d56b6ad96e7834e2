package chat

import (
	"context"
	"fmt"
	"log/slog"
)

// replayLatest sends the tab's most recent transcript to a fresh socket. Replayed
// messages are not acknowledgment-synchronized.
func (h *WebSocketHandler) replayLatest(ctx context.Context, emitter *wsEmitter, userID, sessionID string) error {
	tr, err := h.repo.LatestTranscript(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("load latest transcript: %w", err)
	}
	if tr == nil {
		return nil
	}

	msgs, err := h.repo.ListMessages(ctx, tr.ID)
	if err != nil {
		return fmt.Errorf("load transcript messages: %w", err)
	}
	for _, m := range msgs {
		if err := emitter.Emit(ctx, m); err != nil {
			return err
		}
	}
	slog.Debug("Transcript replayed", "transcript_id", tr.ID, "messages", len(msgs), "user_id", userID)
	return nil
}
