package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/alva-duet/internal/config"
	"github.com/ashureev/alva-duet/internal/identity"
)

// SessionHandler exposes who the caller is and how the duet is configured.
type SessionHandler struct {
	*Handler
	cfg *config.Config
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler, cfg *config.Config) *SessionHandler {
	return &SessionHandler{Handler: base, cfg: cfg}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
	})
}

// GetMe returns the current user's information.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"user_id":    user.UserID,
		"username":   user.Username,
		"session_id": identity.SessionIDFromContext(r.Context()),
	})
}

// GetConfig returns the conversation settings the frontend needs.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"llm_provider":        h.cfg.LLM.Provider,
		"max_turns_per_agent": h.cfg.Conversation.MaxTurnsPerAgent,
		"playback_timeout_ms": h.cfg.Conversation.PlaybackTimeout.Milliseconds(),
		"tts_enabled":         h.cfg.TTS.ServerURL != "" || h.cfg.TTS.AllowURLOverride,
	})
}
