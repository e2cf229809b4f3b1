package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/broker"
	"github.com/openquant/tradecore/internal/config"
	"github.com/openquant/tradecore/internal/dispatch"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/execution"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/marketdata/providers/alphavantage"
	"github.com/openquant/tradecore/internal/marketdata/providers/tiingo"
	"github.com/openquant/tradecore/internal/orders"
	"github.com/openquant/tradecore/internal/portfolio"
	"github.com/openquant/tradecore/internal/predictor"
	"github.com/openquant/tradecore/internal/registry"
	"github.com/openquant/tradecore/internal/reliability"
	"github.com/openquant/tradecore/internal/risk"
)

// maxLoadedModels bounds how many trained models the loader keeps resident.
const maxLoadedModels = 16

// InitializeServices builds every store, engine and service on top of the
// open databases. Order matters: audit first, then stores, then engines.
func InitializeServices(cfg *config.Config, c *Container, log zerolog.Logger) error {
	auditor, err := audit.New(c.AuditDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize audit log: %w", err)
	}
	c.Auditor = auditor

	// Market data: providers in preference order, then store and hub.
	providers, preferred := buildProviders(cfg, log)
	barStore, err := marketdata.NewBarStore(c.MarketDataDB.Conn(), preferred, log)
	if err != nil {
		return fmt.Errorf("failed to initialize bar store: %w", err)
	}
	c.BarStore = barStore
	c.Hub = marketdata.NewHub(marketdata.HubConfig{
		Store:     barStore,
		Providers: providers,
		Log:       log,
	})

	// Prediction stack.
	reg, err := registry.New(cfg.RegistryPath, auditor, log)
	if err != nil {
		return fmt.Errorf("failed to initialize predictor registry: %w", err)
	}
	c.Registry = reg

	blobs, err := registry.NewBlobStore(cfg.ModelBlobDir, log)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	c.Blobs = blobs
	c.Loader = predictor.NewLoader(reg, blobs, maxLoadedModels, log)

	signals, err := dispatch.NewSignalStore(c.SignalsDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize signal store: %w", err)
	}
	c.Signals = signals

	dispatcher, err := dispatch.New(dispatch.Config{
		Bars:     c.Hub,
		Registry: reg,
		Loader:   c.Loader,
		Signals:  signals,
		Audit:    auditor,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	c.Dispatcher = dispatcher
	c.Scheduler = dispatch.NewScheduler(dispatcher, log)

	// Portfolio and risk.
	portfolios, err := portfolio.NewStore(c.TradingDB.Conn(), auditor, log)
	if err != nil {
		return fmt.Errorf("failed to initialize portfolio store: %w", err)
	}
	c.Portfolios = portfolios

	limits, err := risk.NewLimitRepository(c.TradingDB.Conn(), auditor, log)
	if err != nil {
		return fmt.Errorf("failed to initialize limit repository: %w", err)
	}
	c.Limits = limits
	c.Risk = risk.NewEngine(limits, auditor, nil, log)

	// Execution.
	orderStore, err := orders.NewStore(c.TradingDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize order store: %w", err)
	}
	c.OrderStore = orderStore

	engine := orders.NewEngine(orders.Config{
		Store:      orderStore,
		Portfolios: portfolios,
		Risk:       c.Risk,
		Audit:      auditor,
		Log:        log,
	})
	registerBrokers(cfg, engine, log)
	c.OrderEngine = engine

	c.Runner = execution.NewRunner(engine, barVolumeSource(c.Hub), log)

	c.Maintenance = reliability.NewMaintenance(c.Databases(), auditor, signals, cfg.DataDir, log)
	return nil
}

// buildProviders constructs the configured market-data providers. The order
// doubles as source preference when merging overlapping bars.
func buildProviders(cfg *config.Config, log zerolog.Logger) ([]marketdata.Provider, []string) {
	var providers []marketdata.Provider
	var names []string
	if key := cfg.ProviderKeys["alphavantage"]; key != "" {
		providers = append(providers, alphavantage.New(key, log))
		names = append(names, "alphavantage")
	}
	if key := cfg.ProviderKeys["tiingo"]; key != "" {
		providers = append(providers, tiingo.New(key, log))
		names = append(names, "tiingo")
	}
	return providers, names
}

// registerBrokers attaches the paper broker plus one REST adapter per
// configured broker endpoint.
func registerBrokers(cfg *config.Config, engine *orders.Engine, log zerolog.Logger) {
	engine.RegisterBroker(broker.NewPaper("paper", log))
	for _, b := range cfg.Brokers {
		if b.Endpoint == "" {
			log.Warn().Str("broker", b.ID).Msg("Broker has no endpoint, skipping")
			continue
		}
		engine.RegisterBroker(broker.NewREST(broker.RESTConfig{
			Name:    b.ID,
			BaseURL: b.Endpoint,
			APIKey:  b.Key,
		}, log))
	}
}

// barVolumeSource derives cumulative intraday traded volume from stored
// minute bars, feeding the POV execution strategy.
func barVolumeSource(hub *marketdata.Hub) execution.VolumeFunc {
	return func(ctx context.Context, symbol string) (float64, error) {
		now := time.Now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		res, err := hub.Get(ctx, symbol, domain.Timeframe1m, domain.BarRange{From: dayStart, To: now})
		if err != nil {
			return 0, err
		}
		var total float64
		for _, bar := range res.Bars {
			total += bar.Volume
		}
		return total, nil
	}
}
