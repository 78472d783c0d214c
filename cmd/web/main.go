package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"f0oster/idsync/config"
	"f0oster/idsync/internal/app"
	"f0oster/idsync/logging"
	"f0oster/idsync/web"

	"github.com/spf13/pflag"
)

func main() {
	flagSet := pflag.NewFlagSet("idsync-web", pflag.ExitOnError)
	envFile := flagSet.String("env", "settings.env", "dotenv file with runtime settings")
	addr := flagSet.String("addr", "", "listen address (overrides IDSYNC_LISTEN)")
	noSchedule := flagSet.Bool("no-schedule", false, "do not fire periodic tasks")
	_ = flagSet.Parse(os.Args[1:])

	log := logging.New("idsync-web", logging.FromEnv(logging.DefaultConfig()))

	settings, err := config.LoadEnvConfig(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}
	if *addr != "" {
		settings.ListenAddr = *addr
	}
	cat, err := config.LoadCatalog(settings.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load catalog")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, log, settings, cat)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}
	defer a.Close()

	if !*noSchedule {
		if _, err := a.Scheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start scheduler")
		}
	}

	srv := web.NewServer(log, settings.ListenAddr, a.Tasks, a.Provisioner)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("web server error")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("web server shutdown failed")
		}
	}
}
