package conversation

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/alva-duet/internal/domain"
)

type fakeResponder struct {
	name  domain.Speaker
	reply func(ctx context.Context, n int, history []domain.ChatMessage) (string, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeResponder) Name() domain.Speaker { return f.name }

func (f *fakeResponder) Respond(ctx context.Context, history []domain.ChatMessage) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.reply(ctx, n, history)
}

func (f *fakeResponder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// numbered replies "<prefix>1", "<prefix>2", ...
func numbered(name domain.Speaker, prefix string) *fakeResponder {
	return &fakeResponder{name: name, reply: func(_ context.Context, n int, _ []domain.ChatMessage) (string, error) {
		return prefix + strconv.Itoa(n), nil
	}}
}

type recordingEmitter struct {
	mu     sync.Mutex
	msgs   []domain.ChatMessage
	ch     chan domain.ChatMessage
	onEmit func(domain.ChatMessage)
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{ch: make(chan domain.ChatMessage, 128)}
}

func (e *recordingEmitter) Emit(_ context.Context, msg domain.ChatMessage) error {
	e.mu.Lock()
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
	if e.onEmit != nil {
		e.onEmit(msg)
	}
	e.ch <- msg
	return nil
}

func (e *recordingEmitter) messages() []domain.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ChatMessage(nil), e.msgs...)
}

func (e *recordingEmitter) next(t *testing.T) domain.ChatMessage {
	t.Helper()
	select {
	case msg := <-e.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an emitted message")
		return domain.ChatMessage{}
	}
}

// nextFrom skips messages until one from speaker arrives.
func (e *recordingEmitter) nextFrom(t *testing.T, speaker domain.Speaker) domain.ChatMessage {
	t.Helper()
	for {
		if msg := e.next(t); msg.Speaker == speaker {
			return msg
		}
	}
}

func (e *recordingEmitter) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-e.ch:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(d):
	}
}

// autoAck acknowledges persona messages as soon as they are emitted.
func autoAck(e *recordingEmitter, sess **Session, only ...domain.Speaker) {
	e.onEmit = func(msg domain.ChatMessage) {
		if !msg.Speaker.IsPersona() {
			return
		}
		if len(only) > 0 && msg.Speaker != only[0] {
			return
		}
		(*sess).Acknowledge(msg.Speaker)
	}
}

func fixedOpener() (domain.Speaker, string, bool) {
	return domain.SpeakerBob, "Quote A", true
}

func testConfig(maxTurns int) Config {
	return Config{
		MaxTurnsPerAgent: maxTurns,
		PlaybackTimeout:  time.Minute,
		TurnDelay:        time.Millisecond,
		Starter:          domain.SpeakerALVA,
	}
}

func newTestDriver(t *testing.T, cfg Config, alva, bob Responder, opts ...Option) *Driver {
	t.Helper()
	opts = append([]Option{WithOpener(fixedOpener)}, opts...)
	d, err := NewDriver(cfg, []Responder{alva, bob}, opts...)
	require.NoError(t, err)
	return d
}

func waitStopped(t *testing.T, s *Session) State {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Snapshot().Running() }, 3*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	return s.Snapshot()
}

func speakers(msgs []domain.ChatMessage) []domain.Speaker {
	out := make([]domain.Speaker, len(msgs))
	for i, m := range msgs {
		out[i] = m.Speaker
	}
	return out
}

func countText(msgs []domain.ChatMessage, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == text {
			n++
		}
	}
	return n
}

// assertAlternates checks that persona messages after the opener never repeat a speaker.
func assertAlternates(t *testing.T, history []domain.ChatMessage) {
	t.Helper()
	var last domain.Speaker
	for _, m := range history {
		if !m.Speaker.IsPersona() {
			continue
		}
		require.NotEqual(t, last, m.Speaker, "persona spoke twice in a row: %v", speakers(history))
		last = m.Speaker
	}
}

// fakeClock fires After channels only when advanced.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// BlockUntil waits for n timers to be registered.
func (c *fakeClock) BlockUntil(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.pending() >= n }, 2*time.Second, time.Millisecond)
}
