// Package main is the entry point for the tradecore trading backend.
// It serves the HTTP API, runs the order engine with its reconciliation
// loop, and exposes operational subcommands for migrations, broker
// reconciliation and audit replay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/config"
	"github.com/openquant/tradecore/internal/di"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/server"
	"github.com/openquant/tradecore/pkg/logger"
)

// Exit codes. Scripts depend on these staying stable.
const (
	exitOK        = 0
	exitError     = 1
	exitConfig    = 2
	exitIntegrity = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		return serve(cfg, log)
	case "migrate":
		return migrate(cfg, log)
	case "reconcile":
		return reconcile(cfg, log, args)
	case "replay-audit":
		return replayAudit(cfg, log, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: tradecore [serve|migrate|reconcile|replay-audit]\n", cmd)
		return exitConfig
	}
}

// serve wires the container, starts the background loops and the HTTP
// server, then blocks until SIGINT or SIGTERM.
func serve(cfg *config.Config, log zerolog.Logger) int {
	log.Info().Msg("Starting tradecore")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitError
	}
	defer container.Close()

	// A tampered chain must never serve traffic, so verify before listening
	// rather than waiting for the nightly maintenance run.
	if err := container.Auditor.VerifyAll(); err != nil {
		log.Error().Err(err).Msg("Audit chain verification failed")
		return exitIntegrity
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background loops: broker event pumps and unconfirmed-submit
	// reconciliation, scheduled predictions, database housekeeping.
	container.OrderEngine.Start(ctx)
	container.Scheduler.Start()
	if err := container.Maintenance.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start maintenance jobs")
		return exitError
	}

	srv := server.New(server.Config{
		Log:        log,
		Cfg:        cfg,
		Hub:        container.Hub,
		Dispatcher: container.Dispatcher,
		Signals:    container.Signals,
		Registry:   container.Registry,
		Risk:       container.Risk,
		Limits:     container.Limits,
		Portfolios: container.Portfolios,
		Orders:     container.OrderEngine,
		Runner:     container.Runner,
		Audit:      container.Auditor,
		Databases:  container.Databases(),
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case err := <-errc:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
			return exitError
		}
	}

	// Stop accepting requests first, then drain strategy schedulers so no
	// child order is submitted after the engine stops.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancel()
	container.Runner.Wait()

	log.Info().Msg("Server stopped")
	return exitOK
}

// migrate opens every database and applies the schemas, then exits. The
// stores create their tables on construction, so a full wire is a migration.
func migrate(cfg *config.Config, log zerolog.Logger) int {
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Migration failed")
		return exitError
	}
	container.Close()
	log.Info().Str("data_dir", cfg.DataDir).Msg("Schemas applied")
	return exitOK
}

// reconcile re-drives every open order registered with one broker through
// the reconciliation path: re-submit unconfirmed orders under their
// idempotency keys, poll the rest, apply any missed fills.
func reconcile(cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	brokerID := fs.String("broker", "", "broker ID to reconcile against")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *brokerID == "" {
		fmt.Fprintln(os.Stderr, "reconcile requires --broker=<id>")
		return exitConfig
	}

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitError
	}
	defer container.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := container.OrderEngine.Reconcile(ctx, *brokerID); err != nil {
		log.Error().Err(err).Str("broker", *brokerID).Msg("Reconciliation failed")
		if errors.Is(err, domain.ErrIntegrity) {
			return exitIntegrity
		}
		return exitError
	}
	log.Info().Str("broker", *brokerID).Msg("Reconciliation completed")
	return exitOK
}

// replayAudit verifies one portfolio's audit stream hash chain and prints
// each record. A broken chain exits with the integrity code.
func replayAudit(cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("replay-audit", flag.ContinueOnError)
	portfolioID := fs.String("portfolio", "", "portfolio ID whose stream to replay")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *portfolioID == "" {
		fmt.Fprintln(os.Stderr, "replay-audit requires --portfolio=<id>")
		return exitConfig
	}

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitError
	}
	defer container.Close()

	stream := audit.PortfolioStream(*portfolioID)
	verified, err := container.Auditor.Verify(stream)
	if err != nil {
		log.Error().Err(err).Str("stream", stream).Msg("Audit chain verification failed")
		return exitIntegrity
	}

	records, err := container.Auditor.Stream(stream)
	if err != nil {
		log.Error().Err(err).Str("stream", stream).Msg("Failed to read audit stream")
		return exitError
	}
	for _, rec := range records {
		fmt.Printf("%d\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.TS.Format(time.RFC3339), rec.Action, rec.ResourceID, rec.Hash)
	}
	log.Info().Int64("records", verified).Str("stream", stream).Msg("Audit chain intact")
	return exitOK
}
