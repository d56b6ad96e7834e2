// Package llm is the language model gateway: ordered role/text pairs in, text out.
// Gateways are stateless; conversation continuity is rebuilt from history on every call.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Role tags a context entry as authored by the model itself or by its counterpart.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one entry of the ordered context passed to a Generator.
type Message struct {
	Role Role
	Text string
}

// Generator produces one reply for an ordered context.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Options configures New.
type Options struct {
	Provider       string
	GeminiAPIKey   string
	GeminiModel    string
	OllamaEndpoint string
	OllamaModel    string
	Timeout        time.Duration
	DummyDelay     time.Duration
	DummyReplies   []string
	Logger         *slog.Logger
}

// New builds the Generator for opts.Provider.
func New(ctx context.Context, opts Options) (Generator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch opts.Provider {
	case ProviderGemini:
		return NewGemini(ctx, opts.GeminiAPIKey, opts.GeminiModel, opts.Timeout, opts.Logger)
	case ProviderOllama:
		return NewOllama(opts.OllamaEndpoint, opts.OllamaModel, opts.Timeout, opts.Logger), nil
	case ProviderDummy, "":
		return NewDummy(opts.DummyDelay, opts.DummyReplies...), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", opts.Provider)
	}
}

// withTimeout bounds a single gateway call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
