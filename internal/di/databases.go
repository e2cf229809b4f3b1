package di

import (
	"fmt"

	"github.com/openquant/tradecore/internal/config"
	"github.com/openquant/tradecore/internal/database"
)

// InitializeDatabases opens the four databases and applies their profiles.
// On error, every database opened so far is closed.
func InitializeDatabases(cfg *config.Config, c *Container) error {
	marketDataDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/marketdata.db",
		Profile: database.ProfileStandard,
		Name:    "marketdata",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize marketdata database: %w", err)
	}
	c.MarketDataDB = marketDataDB

	tradingDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/trading.db",
		Profile: database.ProfileStandard,
		Name:    "trading",
	})
	if err != nil {
		marketDataDB.Close()
		return fmt.Errorf("failed to initialize trading database: %w", err)
	}
	c.TradingDB = tradingDB

	// Audit profile trades throughput for durability. The chain must survive
	// a crash intact.
	auditDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/audit.db",
		Profile: database.ProfileAudit,
		Name:    "audit",
	})
	if err != nil {
		marketDataDB.Close()
		tradingDB.Close()
		return fmt.Errorf("failed to initialize audit database: %w", err)
	}
	c.AuditDB = auditDB

	signalsDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/signals.db",
		Profile: database.ProfileCache,
		Name:    "signals",
	})
	if err != nil {
		marketDataDB.Close()
		tradingDB.Close()
		auditDB.Close()
		return fmt.Errorf("failed to initialize signals database: %w", err)
	}
	c.SignalsDB = signalsDB

	return nil
}
