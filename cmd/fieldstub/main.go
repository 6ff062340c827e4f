package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/wellpulse/loadsim/internal/api"
	"github.com/wellpulse/loadsim/internal/config"
	"github.com/wellpulse/loadsim/internal/logger"
	"github.com/wellpulse/loadsim/internal/shutdown"
)

// Version is set at build time
var Version = "dev"

func main() {
	fs := pflag.NewFlagSet("fieldstub", pflag.ContinueOnError)
	config.RegisterStubFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Stub.FailRate < 0 || cfg.Stub.FailRate > 1 {
		fmt.Fprintf(os.Stderr, "Configuration error: fail rate %g outside [0, 1]\n", cfg.Stub.FailRate)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting field stub")

	srv, err := api.NewFieldServer(api.FieldConfig{
		Port:           cfg.Stub.Port,
		FailRate:       cfg.Stub.FailRate,
		Latency:        cfg.Stub.Latency,
		MaxPayloadSize: cfg.Stub.MaxPayloadSize,
		Seed:           cfg.Seed,
	}, logger.Get("fieldstub"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create field server")
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		log.Error().Err(err).Int("port", cfg.Stub.Port).Msg("Failed to start field server")
		os.Exit(1)
	}

	coord := shutdown.New(10*time.Second, logger.Get("shutdown"))
	coord.RegisterHook("field server", srv.Shutdown, shutdown.PriorityStatusServer)

	log.Info().
		Str("addr", srv.Addr()).
		Float64("fail_rate", cfg.Stub.FailRate).
		Dur("latency", cfg.Stub.Latency).
		Msg("Field stub is ready")

	ctx, stop := coord.NotifyContext(context.Background())
	<-ctx.Done()
	stop()

	_, readings, entries := srv.Counts()
	if err := coord.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		os.Exit(1)
	}
	log.Info().Int64("readings", readings).Int64("entries", entries).Msg("Field stub stopped")
}
