// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/database"
	"github.com/openquant/tradecore/internal/dispatch"
	"github.com/openquant/tradecore/internal/execution"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/orders"
	"github.com/openquant/tradecore/internal/portfolio"
	"github.com/openquant/tradecore/internal/predictor"
	"github.com/openquant/tradecore/internal/registry"
	"github.com/openquant/tradecore/internal/reliability"
	"github.com/openquant/tradecore/internal/risk"
)

// Container holds all initialized dependencies.
//
// Storage is split across four databases:
//   - marketdata.db: bar series (standard profile)
//   - trading.db: portfolios, positions, orders, fills, risk limits (standard)
//   - audit.db: hash-chained audit streams (audit profile, maximum safety)
//   - signals.db: emitted signals, rebuildable (cache profile)
type Container struct {
	MarketDataDB *database.DB
	TradingDB    *database.DB
	AuditDB      *database.DB
	SignalsDB    *database.DB

	Auditor *audit.Log

	// Market data
	BarStore *marketdata.BarStore
	Hub      *marketdata.Hub

	// Prediction
	Registry   *registry.Registry
	Blobs      *registry.BlobStore
	Loader     *predictor.Loader
	Signals    *dispatch.SignalStore
	Dispatcher *dispatch.Dispatcher
	Scheduler  *dispatch.Scheduler

	// Portfolio and risk
	Portfolios *portfolio.Store
	Limits     *risk.LimitRepository
	Risk       *risk.Engine

	// Execution
	OrderStore  *orders.Store
	OrderEngine *orders.Engine
	Runner      *execution.Runner

	Maintenance *reliability.Maintenance
}

// Databases returns every open database, for health checks and shutdown.
func (c *Container) Databases() []*database.DB {
	return []*database.DB{c.MarketDataDB, c.TradingDB, c.AuditDB, c.SignalsDB}
}

// Close releases every resource the container owns. Safe to call after a
// partial Wire failure.
func (c *Container) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Maintenance != nil {
		c.Maintenance.Stop()
	}
	if c.Dispatcher != nil {
		c.Dispatcher.Close()
	}
	if c.Hub != nil {
		c.Hub.Close()
	}
	if c.OrderEngine != nil {
		c.OrderEngine.Stop()
	}
	for _, db := range c.Databases() {
		if db != nil {
			db.Close()
		}
	}
}
