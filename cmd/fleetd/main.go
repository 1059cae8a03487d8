package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fleetvm/fleetvm/pkg/config"
	"github.com/fleetvm/fleetvm/pkg/daemon"
)

func main() {
	var (
		debug      bool
		configPath string
	)

	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&configPath, "config", "", "Path to a config file (overrides the search path)")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithCancel(log.Logger.WithContext(context.Background()))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	}()

	if err := run(ctx, configPath); err != nil {
		log.Fatal().Err(err).Msg("Error running daemon")
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Info().
		Str("backend", cfg.Backend).
		Str("data_dir", cfg.DataDir).
		Str("socket", cfg.SocketPath).
		Msg("starting daemon")

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Shutdown(context.Background())

	server := daemon.NewServer(d)
	return server.Serve(ctx, cfg.SocketPath)
}
