package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ashureev/alva-duet/internal/conversation"
	"github.com/ashureev/alva-duet/internal/domain"
)

const writeDeadline = 5 * time.Second

type serverFrame struct {
	Speaker   domain.Speaker `json:"speaker"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error"`
}

type clientFrame struct {
	Type    string         `json:"type"`
	Speaker domain.Speaker `json:"speaker,omitempty"`
}

type summary struct {
	personaLines int
	endedBy      string
}

type client struct {
	conn        *websocket.Conn
	out         io.Writer
	logger      zerolog.Logger
	ackDelay    time.Duration
	stopAfter   int
	idleTimeout time.Duration
}

// run starts a conversation and follows it until a terminal System line, an idle
// timeout or ctx cancellation.
func (c *client) run(ctx context.Context) (summary, error) {
	var s summary
	if err := c.send(clientFrame{Type: "START_CONVERSATION"}); err != nil {
		return s, fmt.Errorf("send start: %w", err)
	}

	stopSent := false
	for {
		if ctx.Err() != nil {
			s.endedBy = "interrupted"
			return s, nil
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return s, err
		}

		var f serverFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.endedBy = "idle"
				return s, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.endedBy = "closed"
				return s, nil
			}
			return s, fmt.Errorf("read: %w", err)
		}

		if f.Error != "" {
			c.logger.Warn().Str("error", f.Error).Msg("server rejected a message")
			continue
		}
		fmt.Fprintf(c.out, "[%s] %s: %s\n", f.Timestamp.Format(time.TimeOnly), f.Speaker, f.Text)

		if f.Speaker == domain.SpeakerSystem {
			if reason, ok := terminalReason(f.Text); ok {
				s.endedBy = reason
				return s, nil
			}
			continue
		}
		if !f.Speaker.IsPersona() {
			continue
		}

		s.personaLines++
		if c.stopAfter > 0 && s.personaLines >= c.stopAfter && !stopSent {
			c.logger.Debug().Int("lines", s.personaLines).Msg("sending stop")
			if err := c.send(clientFrame{Type: "STOP_CONVERSATION"}); err != nil {
				return s, fmt.Errorf("send stop: %w", err)
			}
			stopSent = true
			continue
		}

		select {
		case <-time.After(c.ackDelay):
		case <-ctx.Done():
			continue
		}
		if err := c.send(clientFrame{Type: "AUDIO_PLAYBACK_COMPLETE", Speaker: f.Speaker}); err != nil {
			return s, fmt.Errorf("send ack: %w", err)
		}
	}
}

func (c *client) send(f clientFrame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

func terminalReason(text string) (string, bool) {
	switch {
	case text == conversation.MsgMaxTurns:
		return "max_turns", true
	case text == conversation.MsgStopped:
		return "stopped", true
	case conversation.IsFailureMessage(text):
		return "failed", true
	}
	return "", false
}
