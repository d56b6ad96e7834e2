package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/alva-duet/internal/domain"
	"github.com/ashureev/alva-duet/internal/llm"
)

type scriptedGenerator struct {
	errs  []error
	reply string
	calls int
	seen  [][]llm.Message
}

func (g *scriptedGenerator) Generate(_ context.Context, messages []llm.Message) (string, error) {
	g.calls++
	g.seen = append(g.seen, messages)
	if g.calls <= len(g.errs) && g.errs[g.calls-1] != nil {
		return "", g.errs[g.calls-1]
	}
	return g.reply, nil
}

func newTestAgent(gen llm.Generator, opts Options) (*Agent, *[]time.Duration) {
	a := New(Persona{Name: domain.SpeakerALVA, Instruction: "be ALVA"}, gen, opts, nil)
	var slept []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return a, &slept
}

func TestBuildContextRolesAndWindow(t *testing.T) {
	at := time.Now()
	history := []domain.ChatMessage{
		domain.SystemMessage("starting", at),
		domain.NewMessage(domain.SpeakerBob, "b1", at),
		domain.NewMessage(domain.SpeakerALVA, "a1", at),
		domain.SystemMessage("noise", at),
		domain.NewMessage(domain.SpeakerBob, "b2", at),
		domain.NewMessage(domain.SpeakerALVA, "a2", at),
	}

	a, _ := newTestAgent(&scriptedGenerator{}, Options{HistoryWindow: 3, MaxAttempts: 1})
	got := a.BuildContext(history)
	want := []llm.Message{
		{Role: llm.RoleUser, Text: "be ALVA"},
		{Role: llm.RoleModel, Text: "a1"},
		{Role: llm.RoleUser, Text: "b2"},
		{Role: llm.RoleModel, Text: "a2"},
	}
	assert.Equal(t, want, got)

	full, _ := newTestAgent(&scriptedGenerator{}, Options{HistoryWindow: 0, MaxAttempts: 1})
	assert.Len(t, full.BuildContext(history), 5)
}

func TestBuildContextIncludesUserLines(t *testing.T) {
	at := time.Now()
	history := []domain.ChatMessage{
		domain.NewMessage(domain.SpeakerBob, "b1", at),
		domain.NewMessage(domain.SpeakerUser, "what about Kant?", at),
		domain.SystemMessage("noise", at),
		domain.NewMessage(domain.SpeakerALVA, "a1", at),
	}

	a, _ := newTestAgent(&scriptedGenerator{}, Options{HistoryWindow: 2, MaxAttempts: 1})
	want := []llm.Message{
		{Role: llm.RoleUser, Text: "be ALVA"},
		{Role: llm.RoleUser, Text: "what about Kant?"},
		{Role: llm.RoleModel, Text: "a1"},
	}
	assert.Equal(t, want, a.BuildContext(history))
}

func TestBuildContextEmptyHistory(t *testing.T) {
	a, _ := newTestAgent(&scriptedGenerator{}, DefaultOptions())
	got := a.BuildContext(nil)
	require.Len(t, got, 1)
	assert.Equal(t, llm.RoleUser, got[0].Role)
}

func TestRespondRetriesTransientFailures(t *testing.T) {
	transient := &llm.APIError{StatusCode: 503, Provider: "test"}
	gen := &scriptedGenerator{errs: []error{transient, transient}, reply: "沈黙（ALVA）"}
	a, slept := newTestAgent(gen, Options{MaxAttempts: 3, RetryDelay: time.Second})

	text, err := a.Respond(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "沈黙（ALVA）", text)
	assert.Equal(t, 3, gen.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestRespondGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("network down")
	gen := &scriptedGenerator{errs: []error{boom, boom, boom, boom}}
	a, slept := newTestAgent(gen, Options{MaxAttempts: 3, RetryDelay: 10 * time.Millisecond})

	_, err := a.Respond(context.Background(), nil)
	require.Error(t, err)

	var re *RespondError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, domain.SpeakerALVA, re.Agent)
	assert.Equal(t, 3, re.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, gen.calls)
	assert.Len(t, *slept, 2)
}

func TestRespondStopsOnPermanentError(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{&llm.APIError{StatusCode: 401, Provider: "test"}}}
	a, slept := newTestAgent(gen, Options{MaxAttempts: 3, RetryDelay: time.Second})

	_, err := a.Respond(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, gen.calls)
	assert.Empty(t, *slept)
}

func TestRespondStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &scriptedGenerator{errs: []error{context.Canceled}}
	a, _ := newTestAgent(gen, Options{MaxAttempts: 3})

	_, err := a.Respond(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, gen.calls)
}

func TestBuildAgentsUsesDummyReplies(t *testing.T) {
	cast, err := LoadCast("")
	require.NoError(t, err)

	agents, err := BuildAgents(context.Background(), cast, llm.Options{Provider: llm.ProviderDummy}, DefaultOptions(), nil)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	text, err := agents[domain.SpeakerALVA].Respond(context.Background(), nil)
	require.NoError(t, err)
	alva, _ := cast.Persona(domain.SpeakerALVA)
	assert.Contains(t, alva.DummyReplies, text)
}
