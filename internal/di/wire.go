package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/config"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
//  1. Open databases
//  2. Build stores, engines and services on top of them
//
// Background loops (order engine pumps, scheduler, maintenance) are NOT
// started here; the caller owns their lifecycle.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{}

	if err := InitializeDatabases(cfg, c); err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(cfg, c, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return c, nil
}
