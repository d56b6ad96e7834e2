// Package agent turns a persona and the shared conversation history into one quotation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/alva-duet/internal/domain"
	"github.com/ashureev/alva-duet/internal/llm"
)

// Options tunes context building and retries.
type Options struct {
	// HistoryWindow is how many recent persona messages are sent as context. 0 sends all of them.
	HistoryWindow int
	MaxAttempts   int
	RetryDelay    time.Duration
}

// DefaultOptions returns the defaults used by the server.
func DefaultOptions() Options {
	return Options{
		HistoryWindow: 3,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
	}
}

// RespondError is returned when every attempt to generate a reply failed.
type RespondError struct {
	Agent    domain.Speaker
	Attempts int
	Err      error
}

func (e *RespondError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Agent, e.Attempts, e.Err)
}

func (e *RespondError) Unwrap() error { return e.Err }

// Agent is one persona bound to an LLM gateway.
type Agent struct {
	persona Persona
	gen     llm.Generator
	opts    Options
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an Agent.
func New(persona Persona, gen llm.Generator, opts Options, logger *slog.Logger) *Agent {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		persona: persona,
		gen:     gen,
		opts:    opts,
		logger:  logger.With("agent", string(persona.Name)),
		sleep:   sleepCtx,
	}
}

// Name returns the persona name.
func (a *Agent) Name() domain.Speaker {
	return a.persona.Name
}

// BuildContext translates history into gateway messages. The instruction is the first entry;
// this persona's own lines become model turns, while the counterpart's and any User lines
// become user turns. System notices are never sent.
func (a *Agent) BuildContext(history []domain.ChatMessage) []llm.Message {
	var window []domain.ChatMessage
	for _, m := range history {
		if m.Speaker.IsPersona() || m.Speaker == domain.SpeakerUser {
			window = append(window, m)
		}
	}
	if n := a.opts.HistoryWindow; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}

	out := make([]llm.Message, 0, len(window)+1)
	out = append(out, llm.Message{Role: llm.RoleUser, Text: a.persona.Instruction})
	for _, m := range window {
		role := llm.RoleUser
		if m.Speaker == a.persona.Name {
			role = llm.RoleModel
		}
		out = append(out, llm.Message{Role: role, Text: m.Text})
	}
	return out
}

// Respond generates this persona's next line. history is borrowed and not modified.
// Transient failures are retried with a linearly growing delay; permanent ones stop early.
func (a *Agent) Respond(ctx context.Context, history []domain.ChatMessage) (string, error) {
	messages := a.BuildContext(history)

	var lastErr error
	attempt := 0
	for attempt < a.opts.MaxAttempts {
		attempt++
		text, err := a.gen.Generate(ctx, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if ctx.Err() != nil || llm.IsPermanent(err) {
			break
		}
		a.logger.Warn("llm call failed", "attempt", attempt, "max_attempts", a.opts.MaxAttempts, "error", err)

		if attempt < a.opts.MaxAttempts {
			if err := a.sleep(ctx, a.opts.RetryDelay*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	return "", &RespondError{Agent: a.persona.Name, Attempts: attempt, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BuildAgents creates one Agent per persona in cast. Each persona may override the
// gateway provider and model from base.
func BuildAgents(ctx context.Context, cast *Cast, base llm.Options, opts Options, logger *slog.Logger) (map[domain.Speaker]*Agent, error) {
	agents := make(map[domain.Speaker]*Agent, len(cast.Personas))
	for _, p := range cast.Personas {
		lo := base
		if p.Provider != "" {
			lo.Provider = p.Provider
		}
		if p.Model != "" {
			switch lo.Provider {
			case llm.ProviderGemini:
				lo.GeminiModel = p.Model
			case llm.ProviderOllama:
				lo.OllamaModel = p.Model
			}
		}
		lo.DummyReplies = p.DummyReplies

		gen, err := llm.New(ctx, lo)
		if err != nil {
			return nil, fmt.Errorf("build gateway for %s: %w", p.Name, err)
		}
		agents[p.Name] = New(p, gen, opts, logger)
	}
	return agents, nil
}
