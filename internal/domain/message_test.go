package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSpeakerIsPersona(t *testing.T) {
	cases := map[Speaker]bool{
		SpeakerALVA:   true,
		SpeakerBob:    true,
		SpeakerSystem: false,
		SpeakerUser:   false,
		"Carol":       false,
	}
	for speaker, want := range cases {
		if got := speaker.IsPersona(); got != want {
			t.Errorf("%q.IsPersona() = %v, want %v", speaker, got, want)
		}
	}
}

func TestChatMessageWireFormat(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(NewMessage(SpeakerBob, "hello", at))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	for _, want := range []string{`"speaker":"Bob"`, `"text":"hello"`, `"timestamp":"2024-05-01T12:00:00Z"`} {
		if !strings.Contains(got, want) {
			t.Errorf("wire frame %s missing %s", got, want)
		}
	}
}
