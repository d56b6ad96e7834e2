package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/alva-duet/internal/domain"
)

const emitTimeout = 5 * time.Second

// Session is one connected client's conversation: its state, acknowledgment slot and transport.
type Session struct {
	ID              string
	UserID          string
	ClientSessionID string

	driver  *Driver
	emitter Emitter
	ack     *AckSlot
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	run    *run
	closed bool
}

// run is one start..terminal span. A goroutine only acts while its run is the session's current one.
type run struct {
	info   RunInfo
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(ctx context.Context, d *Driver, id, userID, clientSessionID string, emitter Emitter) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:              id,
		UserID:          userID,
		ClientSessionID: clientSessionID,
		driver:          d,
		emitter:         emitter,
		ack:             NewAckSlot(d.clock),
		logger:          d.logger.With("session_id", id, "user_id", userID),
		ctx:             ctx,
		cancel:          cancel,
		state:           State{Phase: PhaseIdle, Active: d.cfg.Starter},
	}
}

// Snapshot returns a copy of the conversation state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Start resets the state and launches the turn loop. While a run is live it emits an
// "already running" notice and returns ErrAlreadyRunning.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.state.Running() {
		s.emitLocked(domain.SystemMessage(MsgAlreadyRunning, s.driver.clock.Now()))
		return ErrAlreadyRunning
	}

	now := s.driver.clock.Now()
	ctx, cancel := context.WithCancel(s.ctx)
	r := &run{
		info: RunInfo{
			RunID:     uuid.NewString(),
			UserID:    s.UserID,
			SessionID: s.ClientSessionID,
			StartedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.run = r
	s.state = State{Phase: PhaseRunning, Active: s.driver.cfg.Starter}
	s.ack.Cancel()

	s.driver.recorder.RunStarted(r.info)
	s.logger.Info("conversation started", "run_id", r.info.RunID)
	s.appendLocked(domain.SystemMessage(MsgStarting, now))

	var opening *Ticket
	if s.driver.opener != nil {
		if speaker, text, ok := s.driver.opener(); ok {
			opening = s.armLocked(speaker)
			s.appendLocked(domain.NewMessage(speaker, text, s.driver.clock.Now()))
			if speaker.IsPersona() {
				s.state.Active = s.driver.counterpart(speaker)
			}
		}
	}

	go s.loop(r, opening)
	return nil
}

// Stop ends the live run with a single "stopped" message. With no live run it emits a
// "not running" notice and returns ErrNotRunning.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.state.Running() {
		s.emitLocked(domain.SystemMessage(MsgNotRunning, s.driver.clock.Now()))
		return ErrNotRunning
	}
	s.finishLocked(s.run, PhaseStopped, ReasonStopped, MsgStopped)
	return nil
}

// Acknowledge reports that the client finished playing speaker's message. Any
// acknowledgment resolves the pending wait; a speaker other than the one awaited is
// logged, ignoring case.
func (s *Session) Acknowledge(speaker domain.Speaker) bool {
	if want := s.ack.Expecting(); want != "" && speaker != "" && !strings.EqualFold(string(speaker), string(want)) {
		s.logger.Warn("playback acknowledgment names another speaker", "speaker", speaker, "expected", want)
	}
	return s.ack.Notify(speaker)
}

// Close tears the session down after a disconnect. Nothing is emitted.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.state.Running() {
		s.state.Phase = PhaseStopped
		s.driver.recorder.RunEnded(s.run.info, s.driver.clock.Now(), ReasonDisconnect)
		s.run.cancel()
	}
	s.ack.Cancel()
	s.cancel()
	s.logger.Info("session closed")
}

// Wait blocks until the current run's goroutine has exited or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loop(r *run, opening *Ticket) {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("turn loop panic", "run_id", r.info.RunID, "panic", p)
			s.mu.Lock()
			if s.current(r) {
				s.finishLocked(r, PhaseFailed, ReasonFailed, FailureMessage(s.state.Active, "internal error"))
			}
			s.mu.Unlock()
		}
	}()

	if opening != nil && !s.await(r, opening) {
		return
	}

	for {
		if !s.yield(r) {
			return
		}
		if !s.turn(r) {
			return
		}
	}
}

// turn runs one generated turn and reports whether the loop should continue.
func (s *Session) turn(r *run) bool {
	s.mu.Lock()
	if !s.current(r) {
		s.mu.Unlock()
		return false
	}
	if s.state.TurnCount >= s.driver.maxTurns() {
		s.finishLocked(r, PhaseStopped, ReasonMaxTurns, MsgMaxTurns)
		s.mu.Unlock()
		return false
	}
	s.state.TurnCount++
	speaker := s.state.Active
	history := append([]domain.ChatMessage(nil), s.state.History...)
	s.mu.Unlock()

	text, err := s.driver.agents[speaker].Respond(r.ctx, history)

	s.mu.Lock()
	if !s.current(r) {
		s.mu.Unlock()
		if err == nil {
			s.logger.Debug("discarding reply after stop", "run_id", r.info.RunID, "speaker", speaker)
		}
		return false
	}
	if err != nil {
		s.logger.Error("agent failed to respond", "run_id", r.info.RunID, "speaker", speaker, "error", err)
		s.finishLocked(r, PhaseFailed, ReasonFailed, FailureMessage(speaker, failureCause(err)))
		s.mu.Unlock()
		return false
	}
	ticket := s.armLocked(speaker)
	s.appendLocked(domain.NewMessage(speaker, text, s.driver.clock.Now()))
	s.mu.Unlock()

	if !s.await(r, ticket) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(r) {
		return false
	}
	s.state.Active = s.driver.counterpart(speaker)
	return true
}

// await waits for playback of the ticket's message. A timeout proceeds; a cancellation ends the loop.
func (s *Session) await(r *run, t *Ticket) bool {
	if t == nil {
		return true
	}
	err := t.Wait(r.ctx, s.driver.cfg.PlaybackTimeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrPlaybackTimeout):
		s.logger.Warn("playback acknowledgment timed out, proceeding",
			"run_id", r.info.RunID, "speaker", t.Speaker(), "timeout", s.driver.cfg.PlaybackTimeout)
	default:
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(r)
}

// yield pauses between turns so pending stop and acknowledgment signals are seen first.
func (s *Session) yield(r *run) bool {
	select {
	case <-s.driver.clock.After(s.driver.cfg.TurnDelay):
		return true
	case <-r.ctx.Done():
		return false
	}
}

// current reports whether r is still the live run. Caller holds s.mu.
func (s *Session) current(r *run) bool {
	return s.run == r && s.state.Running() && !s.closed
}

// finishLocked moves r to a terminal phase and emits its single System message.
func (s *Session) finishLocked(r *run, phase Phase, reason, text string) {
	now := s.driver.clock.Now()
	s.state.Phase = phase
	s.appendLocked(domain.SystemMessage(text, now))
	s.driver.recorder.RunEnded(r.info, now, reason)
	r.cancel()
	s.ack.Cancel()
	s.logger.Info("conversation ended", "run_id", r.info.RunID, "reason", reason, "turns", s.state.TurnCount)
}

// armLocked arms the acknowledgment wait for speaker's next message.
func (s *Session) armLocked(speaker domain.Speaker) *Ticket {
	t, err := s.ack.Arm(speaker)
	if err != nil {
		s.logger.Warn("replacing stale playback wait", "error", err)
		s.ack.Cancel()
		t, _ = s.ack.Arm(speaker)
	}
	return t
}

// appendLocked appends msg to history, records it and emits it.
func (s *Session) appendLocked(msg domain.ChatMessage) {
	seq := len(s.state.History)
	s.state.History = append(s.state.History, msg)
	if s.run != nil {
		s.driver.recorder.MessageAppended(s.run.info, seq, msg)
	}
	s.emitLocked(msg)
}

func (s *Session) emitLocked(msg domain.ChatMessage) {
	if s.closed {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, emitTimeout)
	defer cancel()
	if err := s.emitter.Emit(ctx, msg); err != nil {
		s.logger.Warn("failed to emit message", "speaker", msg.Speaker, "error", err)
	}
}
