package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/alva-duet/internal/conversation"
	"github.com/ashureev/alva-duet/internal/domain"
	"github.com/ashureev/alva-duet/internal/identity"
	"github.com/ashureev/alva-duet/internal/store"
)

// Client message types.
const (
	TypeStartConversation     = "START_CONVERSATION"
	TypeStopConversation      = "STOP_CONVERSATION"
	TypeAudioPlaybackComplete = "AUDIO_PLAYBACK_COMPLETE"
	typePing                  = "ping"
)

const errProcessingMessage = "Error processing message"

// clientMessage is a client-to-server frame.
type clientMessage struct {
	Type    string         `json:"type"`
	Speaker domain.Speaker `json:"speaker,omitempty"`
}

// WebSocketHandler upgrades /ws requests and binds each socket to a conversation session.
type WebSocketHandler struct {
	repo          store.Repository
	registry      *conversation.Registry
	conns         *ConnManager
	allowedOrigin string
	isDev         bool
	replay        bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(repo store.Repository, registry *conversation.Registry, conns *ConnManager, allowedOrigin string, isDev, replay bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		registry:      registry,
		conns:         conns,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		replay:        replay,
	}
}

// wsEmitter serializes writes to one socket. coder/websocket allows a single concurrent writer.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Emit writes msg as a {speaker, text, timestamp} text frame.
func (e *wsEmitter) Emit(ctx context.Context, msg domain.ChatMessage) error {
	return e.writeJSON(ctx, msg)
}

func (e *wsEmitter) writeError(ctx context.Context, message string) error {
	return e.writeJSON(ctx, map[string]string{"error": message})
}

func (e *wsEmitter) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(userID, sessionID, ws)
	defer h.conns.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	emitter := &wsEmitter{conn: ws}

	if h.replay {
		if err := h.replayLatest(ctx, emitter, userID, sessionID); err != nil {
			slog.Warn("Failed to replay transcript", "error", err, "user_id", userID, "session_id", sessionID)
		}
	}

	sess := h.registry.Open(ctx, userID, sessionID, emitter)
	defer h.registry.Remove(sess.ID)

	h.readLoop(ctx, ws, emitter, sess)
	slog.Info("Chat session ended", "user_id", userID, "session_id", sessionID)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, emitter *wsEmitter, sess *conversation.Session) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", sess.UserID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", sess.UserID)
			}
			return
		}

		if err := h.dispatch(ctx, emitter, sess, typ, data); err != nil {
			if errors.Is(err, conversation.ErrSessionClosed) {
				return
			}
			slog.Warn("Rejected client message", "error", err, "user_id", sess.UserID, "session_id", sess.ClientSessionID)
			if werr := emitter.writeError(ctx, errProcessingMessage); werr != nil {
				slog.Debug("Failed to send error frame", "error", werr)
				return
			}
		}

		// Update last seen asynchronously with timeout.
		go func(userID string) {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
				slog.Warn("Failed to update last seen", "error", err)
			}
		}(sess.UserID)
	}
}

// dispatch applies one client frame to the session. Only malformed or unknown frames
// return an error; "already running" and "not running" are reported by the session itself.
func (h *WebSocketHandler) dispatch(ctx context.Context, emitter *wsEmitter, sess *conversation.Session, typ websocket.MessageType, data []byte) error {
	if typ != websocket.MessageText {
		return fmt.Errorf("unsupported frame type %v", typ)
	}

	msg, err := parseClientMessage(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case TypeStartConversation:
		return ignoreSessionNotice(sess.Start())
	case TypeStopConversation:
		return ignoreSessionNotice(sess.Stop())
	case TypeAudioPlaybackComplete:
		if !sess.Acknowledge(msg.Speaker) {
			slog.Debug("Playback acknowledgment ignored", "speaker", msg.Speaker, "session_id", sess.ID)
		}
		return nil
	case typePing:
		return emitter.writeJSON(ctx, map[string]string{"type": "pong"})
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// parseClientMessage accepts JSON frames and the bare START/STOP text commands.
func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		switch cmd := strings.TrimSpace(string(data)); cmd {
		case TypeStartConversation, TypeStopConversation:
			return clientMessage{Type: cmd}, nil
		}
		return clientMessage{}, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Type == "" {
		return clientMessage{}, errors.New("message type is required")
	}
	return msg, nil
}

func ignoreSessionNotice(err error) error {
	if errors.Is(err, conversation.ErrAlreadyRunning) || errors.Is(err, conversation.ErrNotRunning) {
		return nil
	}
	return err
}
