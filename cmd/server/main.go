package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/meshroom/internal/adapters/http"
	"github.com/dkeye/meshroom/internal/adapters/rtc"
	wssignal "github.com/dkeye/meshroom/internal/adapters/signal"
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/control"
	"github.com/dkeye/meshroom/internal/app/session"
	"github.com/dkeye/meshroom/internal/config"
)

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console output until the config says otherwise.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	rooms := app.NewRoomManager(ctx, cfg.Rooms.LoopBuffer)
	policy := app.SimplePolicy{
		MaxParticipants: cfg.Rooms.MaxParticipants,
		DisconnectSlow:  cfg.Rooms.DisconnectSlow,
	}
	reg := app.NewRegistry()
	relay := app.NewRelay(reg, policy)
	sessions := session.NewOrchestrator(session.Config{
		Timeout:     cfg.Negotiation.Timeout,
		MaxFailures: cfg.Negotiation.MaxFailures,
	})

	ctl := control.New(reg, relay, sessions, rooms, policy)
	ctl.ICEServers = cfg.ICE.Servers
	if cfg.Negotiation.ValidateSDP {
		ctl.Validate = rtc.ValidatePayload
	}

	limiter := wssignal.NewRateLimiter(cfg.Rate.MessagesPerSecond, cfg.Rate.Burst)
	if cfg.Rate.IdleTTL > 0 {
		limiter.IdleTTL = cfg.Rate.IdleTTL
	}
	ws := wssignal.NewSignalWSController(ctl, limiter,
		wssignal.Options{
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			PongWait:   cfg.PongWait,
			WriteWait:  cfg.WriteWait,
			SendBuffer: cfg.SendBuffer,
		})

	r := router.SetupRouter(ctx, cfg, ctl, ws)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("meshroom server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return ctl.RunSweeper(gctx, cfg.Negotiation.SweepInterval)
	})
	g.Go(func() error {
		return limiter.Run(gctx, limiter.IdleTTL)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		rooms.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
