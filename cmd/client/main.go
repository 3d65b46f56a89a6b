package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"llmpostor-client/internal/bus"
	"llmpostor-client/internal/client"
	"llmpostor-client/internal/session"
	"llmpostor-client/internal/transport"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// subscribeLogging mirrors what a UI layer would do: listen on the bus and
// render. Here rendering is structured log lines.
func subscribeLogging(b *bus.Bus, log zerolog.Logger) {
	b.Subscribe(transport.EventConnectionStatus, func(ev bus.Event) {
		if s, ok := ev.Data.(transport.StatusEvent); ok {
			log.Info().Str("state", s.State.String()).Int("attempt", s.Attempt).Str("reason", s.Reason).Msg("connection status")
		}
	})
	b.Subscribe(transport.EventConnectionQuality, func(ev bus.Event) {
		if q, ok := ev.Data.(transport.QualityEvent); ok {
			log.Info().Str("quality", string(q.Quality)).Dur("avg_latency", q.AverageLatency).Msg("connection quality")
		}
	})
	b.Subscribe(transport.EventRecoveryExhausted, func(ev bus.Event) {
		log.Error().Msg("reconnection attempts exhausted, manual reconnect required")
	})
	b.Subscribe(session.EventStatePhase, func(ev bus.Event) {
		if p, ok := ev.Data.(session.PhaseChange); ok {
			log.Info().Str("from", string(p.From)).Str("to", string(p.To)).Msg("phase changed")
		}
	})
	b.Subscribe(session.EventStateRoom, func(ev bus.Event) {
		if r, ok := ev.Data.(session.RoomInfo); ok {
			log.Info().Str("room", r.RoomID).Int("connected", r.ConnectedCount).Int("total", r.TotalCount).Msg("room updated")
		}
	})
	b.Subscribe(session.EventGuessRetry, func(bus.Event) {
		log.Warn().Msg("guess not acknowledged, retry available")
	})
	b.Subscribe(bus.ErrorEvent, func(ev bus.Event) {
		log.Error().Interface("detail", ev.Data).Msg("event handler error")
	})
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	serverURL := envOr("SERVER_URL", "ws://localhost:8080/ws")
	roomID := os.Getenv("ROOM_ID")
	playerName := envOr("PLAYER_NAME", "anonymous")

	c := client.New(client.Config{
		ServerURL: serverURL,
		Logger:    log,
	})
	subscribeLogging(c.Bus(), log)

	c.Connect()

	if roomID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultRequestTimeout)
			defer cancel()
			if err := c.JoinRoom(ctx, roomID, playerName); err != nil {
				log.Error().Err(err).Str("room", roomID).Msg("join failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutdown signal received")
	c.Close()
	log.Info().Msg("shutdown complete")
}
