package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama calls a local Ollama server's /api/chat endpoint without streaming.
type Ollama struct {
	endpoint string
	model    string
	timeout  time.Duration
	http     *http.Client
	logger   *slog.Logger
}

// NewOllama creates an Ollama gateway.
func NewOllama(endpoint, model string, timeout time.Duration, logger *slog.Logger) *Ollama {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		endpoint: endpoint,
		model:    model,
		timeout:  timeout,
		http:     &http.Client{},
		logger:   logger.With("component", "llm.ollama"),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error"`
}

// Generate implements Generator.
func (o *Ollama) Generate(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyContext
	}

	req := ollamaRequest{Model: o.model, Stream: false}
	for _, m := range messages {
		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		req.Messages = append(req.Messages, ollamaMessage{Role: role, Content: m.Text})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode ollama request: %w", err)
	}

	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.http.Do(httpReq)
	if err != nil {
		return "", &APIError{Provider: ProviderOllama, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg)), Provider: ProviderOllama}
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: out.Error, Provider: ProviderOllama}
	}

	text := strings.TrimSpace(out.Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	o.logger.Debug("ollama reply", "model", o.model, "latency_ms", time.Since(start).Milliseconds())
	return text, nil
}
