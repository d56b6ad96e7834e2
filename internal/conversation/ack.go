package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ashureev/alva-duet/internal/domain"
)

var (
	// ErrPlaybackTimeout is returned by Ticket.Wait when no acknowledgment arrived in time.
	ErrPlaybackTimeout = errors.New("playback acknowledgment timed out")

	// ErrWaitCancelled is returned by Ticket.Wait when the wait was force-resolved by stop or disconnect.
	ErrWaitCancelled = errors.New("playback wait cancelled")

	// ErrWaitPending is returned by Arm when a wait is already outstanding.
	ErrWaitPending = errors.New("playback wait already pending")
)

// AckSlot holds at most one pending playback wait for a session.
type AckSlot struct {
	clock Clock

	mu      sync.Mutex
	pending *Ticket
}

// Ticket is one armed playback wait. It resolves exactly once.
type Ticket struct {
	slot    *AckSlot
	speaker domain.Speaker
	done    chan struct{}
	err     error
}

// NewAckSlot creates an empty slot.
func NewAckSlot(clock Clock) *AckSlot {
	if clock == nil {
		clock = RealClock()
	}
	return &AckSlot{clock: clock}
}

// Arm registers a wait for the playback of speaker's message. Arm before emitting the
// message so an acknowledgment that races the emit is not lost.
func (s *AckSlot) Arm(speaker domain.Speaker) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return nil, ErrWaitPending
	}
	t := &Ticket{slot: s, speaker: speaker, done: make(chan struct{})}
	s.pending = t
	return t, nil
}

// Notify resolves the pending wait whatever speaker it names; the client plays one
// message at a time, so any acknowledgment belongs to the outstanding wait. With
// nothing pending it is a no-op. It reports whether a wait was resolved.
func (s *AckSlot) Notify(speaker domain.Speaker) bool {
	s.mu.Lock()
	t := s.pending
	s.mu.Unlock()

	if t == nil {
		return false
	}
	return s.release(t, nil)
}

// Expecting returns the speaker of the pending wait, or "" when nothing is pending.
func (s *AckSlot) Expecting() domain.Speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ""
	}
	return s.pending.speaker
}

// Cancel force-resolves the pending wait with ErrWaitCancelled.
func (s *AckSlot) Cancel() bool {
	s.mu.Lock()
	t := s.pending
	s.mu.Unlock()

	if t == nil {
		return false
	}
	return s.release(t, ErrWaitCancelled)
}

// Pending reports whether a wait is outstanding.
func (s *AckSlot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// release resolves t with err if t is still the pending wait. Only the first caller wins.
func (s *AckSlot) release(t *Ticket, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != t {
		return false
	}
	s.pending = nil
	t.err = err
	close(t.done)
	return true
}

// Speaker returns the persona whose playback is awaited.
func (t *Ticket) Speaker() domain.Speaker {
	return t.speaker
}

// Wait blocks until the ticket is acknowledged, cancelled, ctx is done, or timeout elapses.
// It returns nil, ErrWaitCancelled or ErrPlaybackTimeout.
func (t *Ticket) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-t.done:
		return t.err
	default:
	}

	expired := t.slot.clock.After(timeout)
	select {
	case <-t.done:
	case <-expired:
		t.slot.release(t, ErrPlaybackTimeout)
	case <-ctx.Done():
		t.slot.release(t, ErrWaitCancelled)
	}
	<-t.done
	return t.err
}
