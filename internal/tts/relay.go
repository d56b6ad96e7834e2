// Package tts relays speech synthesis requests to a Style-Bert-VITS2 server.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/alva-duet/internal/api"
	"github.com/ashureev/alva-duet/internal/config"
)

const (
	runpodHost   = "https://api.runpod.ai"
	maxBodyBytes = 1 << 20
)

var (
	// ErrNotConfigured is returned when no upstream URL is available.
	ErrNotConfigured = errors.New("STYLEBERTVITS2_SERVER_URL is not configured.")

	// ErrMalformedReply is returned when a Runpod job reply carries no audio.
	ErrMalformedReply = errors.New("Runpod TTSからの応答形式が不正です。")
)

const internalErrorMessage = "TTSリクエストの処理中に内部エラーが発生しました。"

// UpstreamError reports a non-OK reply from the synthesis server.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("TTS処理中にエラーが発生しました。(%d)", e.StatusCode)
}

// Handler serves POST /api/tts.
type Handler struct {
	cfg    config.TTSConfig
	client *http.Client
	logger *slog.Logger
}

// NewHandler creates a relay handler for the configured upstream.
func NewHandler(cfg config.TTSConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Handler{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// RegisterRoutes registers the relay route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/tts", h.ServeHTTP)
}

// ServeHTTP validates the request, calls the upstream and streams back WAV audio.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	audio, err := h.Synthesize(r.Context(), &req)
	if err != nil {
		h.logger.Error("TTS relay failed", "error", err)
		api.Error(w, http.StatusInternalServerError, clientMessage(err))
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", fmt.Sprint(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

// Synthesize returns the audio bytes for a validated request.
func (h *Handler) Synthesize(ctx context.Context, req *Request) ([]byte, error) {
	serverURL, apiKey := h.cfg.ServerURL, h.cfg.APIKey
	if h.cfg.AllowURLOverride {
		if req.ServerURL != "" {
			serverURL = req.ServerURL
		}
		if req.APIKey != "" {
			apiKey = req.APIKey
		}
	}
	if serverURL == "" {
		return nil, ErrNotConfigured
	}

	if strings.HasPrefix(serverURL, runpodHost) {
		return h.runpod(ctx, serverURL, apiKey, req)
	}
	return h.voice(ctx, serverURL, apiKey, req)
}

func (h *Handler) voice(ctx context.Context, serverURL, apiKey string, req *Request) ([]byte, error) {
	endpoint := strings.TrimRight(serverURL, "/") + "/voice?" + req.query().Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build TTS request: %w", err)
	}
	h.setAccessHeaders(httpReq, apiKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("TTS upstream unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func (h *Handler) runpod(ctx context.Context, serverURL, apiKey string, req *Request) ([]byte, error) {
	body, err := json.Marshal(map[string]any{"input": req.runpodInput()})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build Runpod request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("TTS upstream unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}

	var reply struct {
		Output struct {
			Voice string `json:"voice"`
		} `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil || reply.Output.Voice == "" {
		return nil, ErrMalformedReply
	}
	audio, err := base64.StdEncoding.DecodeString(reply.Output.Voice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return audio, nil
}

// clientMessage picks the error text safe to return to the browser.
func clientMessage(err error) string {
	var upstream *UpstreamError
	switch {
	case errors.As(err, &upstream):
		return upstream.Error()
	case errors.Is(err, ErrNotConfigured):
		return ErrNotConfigured.Error()
	case errors.Is(err, ErrMalformedReply):
		return ErrMalformedReply.Error()
	default:
		return internalErrorMessage
	}
}

// setAccessHeaders adds Cloudflare Access service-token headers when both halves are configured.
func (h *Handler) setAccessHeaders(req *http.Request, apiKey string) {
	if h.cfg.ClientID != "" && apiKey != "" {
		req.Header.Set("CF-Access-Client-Id", h.cfg.ClientID)
		req.Header.Set("CF-Access-Client-Secret", apiKey)
	}
}
