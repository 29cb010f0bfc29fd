package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/matchsync/go/internal/envconfig"
	"github.com/mcdev12/matchsync/go/internal/matchsync"
	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
	"github.com/mcdev12/matchsync/go/internal/matchsync/socket"
	"github.com/mcdev12/matchsync/go/internal/matchsync/tabs"
)

// inbound is every event the watcher logs
var inbound = []events.Name{
	events.TimerUpdate, events.TimerStart, events.TimerPause, events.TimerReset,
	events.ScoreUpdate, events.MatchUpdate, events.MatchStateChange,
	events.DisplayModeChange, events.Announcement,
	events.StateSyncResponse, events.CollaborativeStateUpdate,
	events.UserJoinedSession, events.UserLeftSession, events.UserDisconnected,
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(envconfig.String("MATCHSYNC_LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	rooms := loadRooms()

	natsURL := envconfig.String("MATCHSYNC_NATS_URL", nats.DefaultURL)
	var opts []matchsync.Option
	if envconfig.String("MATCHSYNC_TRANSPORT", "websocket") == "nats" {
		cfg.URL = natsURL
		opts = append(opts, matchsync.WithDialer(socket.NewNATSDialer(socket.DefaultNATSConfig(), log.Logger)))
	}
	if envconfig.String("MATCHSYNC_TAB_BUS", "") == "nats" {
		bus, err := tabs.DialNATSBus(natsURL, "matchsync", log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect tab bus")
		}
		defer bus.Close()
		opts = append(opts, matchsync.WithTabBus(bus))
	}

	log.Info().
		Str("url", cfg.URL).
		Str("role", cfg.Role.String()).
		Str("user_id", cfg.UserID).
		Str("tournament_id", rooms.TournamentID).
		Str("field_id", rooms.FieldID).
		Str("match_id", rooms.MatchID).
		Msg("starting matchwatch")

	svc := matchsync.New(cfg, opts...)
	watch(svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return run(gctx, svc, rooms) })
	g.Go(func() error { return reportStats(gctx, svc) })

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("matchwatch failed")
	}
	log.Info().Msg("matchwatch shutdown complete")
}

// watch logs every inbound event, fault and status change
func watch(svc *matchsync.Service) {
	for _, name := range inbound {
		svc.On(name, func(p events.Payload) {
			r := p.Route()
			log.Info().
				Str("event", string(p.EventName())).
				Str("tournament_id", r.TournamentID).
				Str("field_id", r.FieldID).
				Str("match_id", r.MatchID).
				Interface("payload", p).
				Msg("event received")
		})
	}
	svc.OnError(func(err error) {
		log.Warn().Err(err).Msg("delivery fault")
	})
	svc.OnStatusChange(func(st socket.Status) {
		log.Info().
			Str("state", string(st.State)).
			Bool("ready", st.Ready).
			Int("attempts", st.ReconnectAttempts).
			Str("last_error", st.LastError).
			Msg("connection status")
	})
}

func run(ctx context.Context, svc *matchsync.Service, rooms Rooms) error {
	if err := svc.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	if rooms.TournamentID != "" {
		if err := svc.JoinTournament(ctx, rooms.TournamentID); err != nil {
			log.Warn().Err(err).Msg("failed to join tournament room")
		}
		if rooms.FieldID != "" {
			if err := svc.JoinFieldRoom(ctx, rooms.TournamentID, rooms.FieldID); err != nil {
				log.Warn().Err(err).Msg("failed to join field room")
			}
		}
	}
	if rooms.MatchID != "" {
		if _, err := svc.JoinSession(ctx, rooms.MatchID); err != nil {
			log.Warn().Err(err).Msg("failed to join collaborative session")
		}
	}

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return svc.Stop(shutdownCtx)
}

func reportStats(ctx context.Context, svc *matchsync.Service) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := svc.Stats()
			log.Info().
				Int("master_handlers", stats.MasterHandlers).
				Int("queued_critical", stats.QueuedCritical).
				Uint64("duplicates", stats.Duplicates).
				Uint64("faults", stats.Faults).
				Msg("dispatch stats")
		}
	}
}
