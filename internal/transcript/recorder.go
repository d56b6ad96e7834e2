package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/alva-duet/internal/conversation"
	"github.com/ashureev/alva-duet/internal/domain"
	"github.com/ashureev/alva-duet/internal/store"
)

const writeTimeout = 10 * time.Second

type opKind int

const (
	opStart opKind = iota
	opMessage
	opEnd
)

func (k opKind) String() string {
	switch k {
	case opStart:
		return "start"
	case opMessage:
		return "message"
	case opEnd:
		return "end"
	}
	return "unknown"
}

type op struct {
	kind   opKind
	run    conversation.RunInfo
	seq    int
	msg    domain.ChatMessage
	at     time.Time
	reason string
}

// Recorder writes runs to the repository and the conversation log from a single worker,
// so the turn loop never waits on storage. It implements conversation.Recorder.
type Recorder struct {
	repo   store.Repository
	convo  ConversationLogger
	logger *slog.Logger
	queue  chan op
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ conversation.Recorder = (*Recorder)(nil)

// NewRecorder starts the worker. convo may be nil.
func NewRecorder(repo store.Repository, convo ConversationLogger, queueSize int, logger *slog.Logger) *Recorder {
	if convo == nil {
		convo = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	r := &Recorder{
		repo:   repo,
		convo:  convo,
		logger: logger.With("component", "transcript.recorder"),
		queue:  make(chan op, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// RunStarted implements conversation.Recorder.
func (r *Recorder) RunStarted(run conversation.RunInfo) {
	r.enqueue(op{kind: opStart, run: run, at: run.StartedAt})
}

// MessageAppended implements conversation.Recorder.
func (r *Recorder) MessageAppended(run conversation.RunInfo, seq int, msg domain.ChatMessage) {
	r.enqueue(op{kind: opMessage, run: run, seq: seq, msg: msg, at: msg.Timestamp})
}

// RunEnded implements conversation.Recorder.
func (r *Recorder) RunEnded(run conversation.RunInfo, endedAt time.Time, reason string) {
	r.enqueue(op{kind: opEnd, run: run, at: endedAt, reason: reason})
}

func (r *Recorder) enqueue(o op) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- o:
	default:
		r.logger.Warn("transcript queue full, dropping write", "run_id", o.run.RunID, "kind", o.kind)
	}
}

// Close drains queued writes, waiting until ctx is done at most.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for o := range r.queue {
		r.persist(o)
		r.convo.Log(logEvent(o))
	}
}

func (r *Recorder) persist(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opStart:
		err = r.repo.CreateTranscript(ctx, &domain.Transcript{
			ID:        o.run.RunID,
			UserID:    o.run.UserID,
			SessionID: o.run.SessionID,
			StartedAt: o.run.StartedAt,
		})
	case opMessage:
		err = r.repo.AppendMessage(ctx, o.run.RunID, o.seq, o.msg)
	case opEnd:
		err = r.repo.FinishTranscript(ctx, o.run.RunID, o.at, o.reason)
	}
	if err != nil {
		r.logger.Error("failed to persist transcript", "run_id", o.run.RunID, "kind", o.kind, "error", err)
	}
}

func logEvent(o op) ConversationLogEvent {
	ev := ConversationLogEvent{
		Timestamp: o.at.UTC().Format(time.RFC3339Nano),
		UserID:    o.run.UserID,
		SessionID: o.run.SessionID,
		RunID:     o.run.RunID,
		Channel:   "ws",
		Direction: "outbound",
	}
	switch o.kind {
	case opStart:
		ev.EventType = "run_started"
	case opMessage:
		ev.EventType = "message"
		ev.Speaker = string(o.msg.Speaker)
		ev.ContentRaw = o.msg.Text
		ev.Meta = map[string]any{"seq": o.seq}
	case opEnd:
		ev.EventType = "run_ended"
		ev.Meta = map[string]any{"reason": o.reason}
	}
	return ev
}
