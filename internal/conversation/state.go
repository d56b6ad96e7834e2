package conversation

import "github.com/ashureev/alva-duet/internal/domain"

// Phase is the lifecycle position of a session's conversation.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
	PhaseFailed  Phase = "failed"
)

// End reasons recorded with a finished run.
const (
	ReasonMaxTurns   = "max_turns"
	ReasonStopped    = "stopped"
	ReasonFailed     = "failed"
	ReasonDisconnect = "disconnect"
)

// State is one session's conversation. It is owned by the Session and only
// mutated with the session lock held.
type State struct {
	History   []domain.ChatMessage
	Phase     Phase
	TurnCount int
	Active    domain.Speaker
}

// Running reports whether the turn loop is live.
func (s State) Running() bool {
	return s.Phase == PhaseRunning
}

func (s State) clone() State {
	out := s
	out.History = append([]domain.ChatMessage(nil), s.History...)
	return out
}

// PersonaTurns counts persona-authored messages in history.
func (s State) PersonaTurns() int {
	n := 0
	for _, m := range s.History {
		if m.Speaker.IsPersona() {
			n++
		}
	}
	return n
}
