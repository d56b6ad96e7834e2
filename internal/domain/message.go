package domain

import (
	"time"
)

// Speaker identifies the author of a chat message.
type Speaker string

const (
	SpeakerALVA   Speaker = "ALVA"
	SpeakerBob    Speaker = "Bob"
	SpeakerSystem Speaker = "System"
	SpeakerUser   Speaker = "User"
)

// IsPersona reports whether the speaker is one of the two LLM personas.
func (s Speaker) IsPersona() bool {
	return s == SpeakerALVA || s == SpeakerBob
}

// Valid reports whether s is a known speaker.
func (s Speaker) Valid() bool {
	switch s {
	case SpeakerALVA, SpeakerBob, SpeakerSystem, SpeakerUser:
		return true
	}
	return false
}

// ChatMessage is a single conversation entry. It is never mutated after creation;
// the JSON form is the server-to-client wire frame.
type ChatMessage struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message stamped with at.
func NewMessage(speaker Speaker, text string, at time.Time) ChatMessage {
	return ChatMessage{Speaker: speaker, Text: text, Timestamp: at}
}

// SystemMessage builds a System-authored message stamped with at.
func SystemMessage(text string, at time.Time) ChatMessage {
	return NewMessage(SpeakerSystem, text, at)
}
