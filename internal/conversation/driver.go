// Package conversation drives the ALVA/Bob duet: one turn loop per connected client,
// each turn synchronized with the client's playback acknowledgment.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/alva-duet/internal/domain"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is live.
	ErrAlreadyRunning = errors.New("conversation already running")

	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("conversation not running")

	// ErrSessionClosed is returned once the session has been torn down.
	ErrSessionClosed = errors.New("session closed")
)

// System message texts shown to the client.
const (
	MsgStarting       = "ALVAとBobの会話を開始します..."
	MsgMaxTurns       = "会話が終了しました。"
	MsgStopped        = "会話が手動で停止されました。"
	MsgAlreadyRunning = "既にこのクライアントで会話が進行中です。"
	MsgNotRunning     = "現在、このクライアントで会話は行われていません。"
	msgFailedFormat   = "%sの応答取得に失敗しました: %s"
)

// FailureMessage is the System text emitted when speaker could not produce a turn.
func FailureMessage(speaker domain.Speaker, cause string) string {
	return fmt.Sprintf(msgFailedFormat, speaker, cause)
}

// IsFailureMessage reports whether text was built by FailureMessage for a persona.
func IsFailureMessage(text string) bool {
	for _, s := range []domain.Speaker{domain.SpeakerALVA, domain.SpeakerBob} {
		if strings.HasPrefix(text, FailureMessage(s, "")) {
			return true
		}
	}
	return false
}

// Config bounds the turn loop.
type Config struct {
	MaxTurnsPerAgent int
	PlaybackTimeout  time.Duration
	TurnDelay        time.Duration
	// Starter is the persona taking the first generated turn.
	Starter domain.Speaker
}

// Responder produces one persona's next line from a copy of the history.
type Responder interface {
	Name() domain.Speaker
	Respond(ctx context.Context, history []domain.ChatMessage) (string, error)
}

// Emitter delivers a message to the session's client.
type Emitter interface {
	Emit(ctx context.Context, msg domain.ChatMessage) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, msg domain.ChatMessage) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, msg domain.ChatMessage) error { return f(ctx, msg) }

// Opener picks the scripted opening line. ok is false when the run has no opener.
type Opener func() (speaker domain.Speaker, text string, ok bool)

// RunInfo identifies one run for a Recorder.
type RunInfo struct {
	RunID     string
	UserID    string
	SessionID string
	StartedAt time.Time
}

// Recorder observes runs. Calls are made with the session lock held and must not block.
type Recorder interface {
	RunStarted(run RunInfo)
	MessageAppended(run RunInfo, seq int, msg domain.ChatMessage)
	RunEnded(run RunInfo, endedAt time.Time, reason string)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(RunInfo) {}

func (nopRecorder) MessageAppended(RunInfo, int, domain.ChatMessage) {}

func (nopRecorder) RunEnded(RunInfo, time.Time, string) {}

// Driver holds what every session's turn loop shares: the two personas, limits and collaborators.
type Driver struct {
	cfg      Config
	agents   map[domain.Speaker]Responder
	opener   Opener
	recorder Recorder
	clock    Clock
	logger   *slog.Logger
}

// Option customizes a Driver.
type Option func(*Driver)

// WithOpener sets the scripted opening line source.
func WithOpener(o Opener) Option { return func(d *Driver) { d.opener = o } }

// WithRecorder sets the run observer.
func WithRecorder(r Recorder) Option { return func(d *Driver) { d.recorder = r } }

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(d *Driver) { d.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Driver) { d.logger = l } }

// NewDriver validates cfg against the two responders.
func NewDriver(cfg Config, responders []Responder, opts ...Option) (*Driver, error) {
	if cfg.MaxTurnsPerAgent <= 0 {
		return nil, errors.New("conversation: MaxTurnsPerAgent must be > 0")
	}
	if cfg.PlaybackTimeout <= 0 {
		return nil, errors.New("conversation: PlaybackTimeout must be > 0")
	}
	if cfg.TurnDelay <= 0 {
		return nil, errors.New("conversation: TurnDelay must be > 0")
	}
	if len(responders) != 2 {
		return nil, fmt.Errorf("conversation: expected 2 responders, got %d", len(responders))
	}

	agents := make(map[domain.Speaker]Responder, 2)
	for _, r := range responders {
		if !r.Name().IsPersona() {
			return nil, fmt.Errorf("conversation: %q is not a persona", r.Name())
		}
		agents[r.Name()] = r
	}
	if len(agents) != 2 {
		return nil, errors.New("conversation: responders must be distinct personas")
	}
	if cfg.Starter == "" {
		cfg.Starter = domain.SpeakerALVA
	}
	if _, ok := agents[cfg.Starter]; !ok {
		return nil, fmt.Errorf("conversation: starter %q has no responder", cfg.Starter)
	}

	d := &Driver{
		cfg:      cfg,
		agents:   agents,
		recorder: nopRecorder{},
		clock:    RealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// maxTurns is the total generated turns allowed per run.
func (d *Driver) maxTurns() int {
	return 2 * d.cfg.MaxTurnsPerAgent
}

func (d *Driver) counterpart(s domain.Speaker) domain.Speaker {
	for name := range d.agents {
		if name != s {
			return name
		}
	}
	return s
}

// failureCause unwraps the responder error to the text shown to the client.
func failureCause(err error) string {
	if inner := errors.Unwrap(err); inner != nil {
		return inner.Error()
	}
	return err.Error()
}
