package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/alva-duet/internal/domain"
	"github.com/ashureev/alva-duet/internal/identity"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryHandler serves the caller's past conversation transcripts.
type HistoryHandler struct {
	*Handler
}

// NewHistoryHandler creates a history handler.
func NewHistoryHandler(base *Handler) *HistoryHandler {
	return &HistoryHandler{Handler: base}
}

// RegisterRoutes registers history routes.
func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/history", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
	})
}

// List returns the caller's transcripts, newest first.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	transcripts, err := h.repo.ListTranscripts(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list transcripts", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if transcripts == nil {
		transcripts = []*domain.Transcript{}
	}

	JSON(w, http.StatusOK, map[string]any{"transcripts": transcripts})
}

// Get returns one transcript with its messages. Transcripts of other users are reported as missing.
func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "id")

	tr, err := h.repo.GetTranscript(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load transcript", "error", err, "transcript_id", id)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	if tr == nil || tr.UserID != userID {
		Error(w, http.StatusNotFound, "transcript not found")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load transcript messages", "error", err, "transcript_id", id)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}

	JSON(w, http.StatusOK, map[string]any{
		"transcript": tr,
		"messages":   msgs,
	})
}
