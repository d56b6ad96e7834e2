// Command duetclient drives a duet conversation from the terminal, acknowledging each
// persona line as if it had been played.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ashureev/alva-duet/internal/identity"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("duetclient", pflag.ContinueOnError)

	var (
		serverURL   = fs.StringP("url", "u", "ws://localhost:8080/ws", "duet server WebSocket URL")
		sessionID   = fs.StringP("session-id", "s", "duetclient", "tab session id sent to the server")
		ackDelay    = fs.DurationP("ack-delay", "d", 0, "simulated playback time before acknowledging a line")
		stopAfter   = fs.IntP("stop-after", "n", 0, "send STOP after this many persona lines (0 = never)")
		idleTimeout = fs.DurationP("idle-timeout", "i", time.Minute, "exit after this long without a frame")
		logLevel    = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	header := http.Header{}
	header.Set(identity.SessionHeaderName, *sessionID)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, *serverURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		logger.Fatal().Err(err).Str("url", *serverURL).Msg("failed to connect")
	}
	defer conn.Close()

	c := &client{
		conn:        conn,
		out:         os.Stdout,
		logger:      logger,
		ackDelay:    *ackDelay,
		stopAfter:   *stopAfter,
		idleTimeout: *idleTimeout,
	}
	res, err := c.run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("conversation aborted")
	}
	logger.Info().
		Int("persona_lines", res.personaLines).
		Str("ended_by", res.endedBy).
		Msg("done")

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	if err != nil {
		os.Exit(1)
	}
}
