package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/domain"
)

const limitsSchema = `
CREATE TABLE IF NOT EXISTS risk_limits (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	portfolio_id   TEXT NOT NULL DEFAULT '',
	symbol         TEXT NOT NULL DEFAULT '',
	sector         TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL,
	value          REAL NOT NULL,
	warn_threshold REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_limits_scope ON risk_limits(kind, portfolio_id, symbol, sector);

CREATE TABLE IF NOT EXISTS daily_volume (
	portfolio_id TEXT NOT NULL,
	day          TEXT NOT NULL,
	notional     REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (portfolio_id, day)
);
`

// LimitRepository persists scoped risk limits and the per-portfolio daily
// traded notional the daily-volume limit is checked against. Limit changes
// leave an audit record on the portfolio's stream, global ones on the global
// stream.
type LimitRepository struct {
	db      *sql.DB
	auditor *audit.Log
	log     zerolog.Logger
}

// NewLimitRepository creates the repository and ensures its schema exists.
func NewLimitRepository(db *sql.DB, auditor *audit.Log, log zerolog.Logger) (*LimitRepository, error) {
	if _, err := db.Exec(limitsSchema); err != nil {
		return nil, fmt.Errorf("failed to create risk limits schema: %w", err)
	}
	return &LimitRepository{
		db:      db,
		auditor: auditor,
		log:     log.With().Str("repo", "risk_limits").Logger(),
	}, nil
}

// Set inserts or replaces a limit for its exact scope.
func (r *LimitRepository) Set(limit domain.RiskLimit) (domain.RiskLimit, error) {
	if limit.Value <= 0 {
		return domain.RiskLimit{}, fmt.Errorf("%w: limit value must be positive", domain.ErrValidation)
	}
	switch limit.Kind {
	case domain.LimitPositionSize, domain.LimitVaR, domain.LimitLeverage,
		domain.LimitConcentration, domain.LimitDailyVolume:
	default:
		return domain.RiskLimit{}, fmt.Errorf("%w: unknown limit kind %q", domain.ErrValidation, limit.Kind)
	}

	prev, err := r.find(limit.Kind, limit.PortfolioID, limit.Symbol, limit.Sector)
	if err != nil {
		return domain.RiskLimit{}, err
	}

	_, err = r.db.Exec(`
		DELETE FROM risk_limits WHERE kind = ? AND portfolio_id = ? AND symbol = ? AND sector = ?`,
		string(limit.Kind), limit.PortfolioID, limit.Symbol, limit.Sector)
	if err != nil {
		return domain.RiskLimit{}, fmt.Errorf("failed to replace risk limit: %w", err)
	}
	res, err := r.db.Exec(`
		INSERT INTO risk_limits (portfolio_id, symbol, sector, kind, value, warn_threshold)
		VALUES (?, ?, ?, ?, ?, ?)`,
		limit.PortfolioID, limit.Symbol, limit.Sector, string(limit.Kind), limit.Value, limit.WarnThreshold)
	if err != nil {
		return domain.RiskLimit{}, fmt.Errorf("failed to insert risk limit: %w", err)
	}
	limit.ID, _ = res.LastInsertId()

	if r.auditor != nil {
		stream := audit.GlobalStream
		if limit.PortfolioID != "" {
			stream = audit.PortfolioStream(limit.PortfolioID)
		}
		rec := audit.Record{
			Actor:        "risk",
			Action:       audit.ActionLimitChanged,
			ResourceType: "risk_limit",
			ResourceID:   string(limit.Kind),
			NewValues:    audit.MarshalValues(limit),
		}
		if prev != nil {
			rec.PrevValues = audit.MarshalValues(*prev)
		}
		if _, err := r.auditor.Append(stream, rec); err != nil {
			return domain.RiskLimit{}, err
		}
	}

	r.log.Info().Str("kind", string(limit.Kind)).Float64("value", limit.Value).Msg("Risk limit set")
	return limit, nil
}

// find returns the limit currently at an exact scope, or nil.
func (r *LimitRepository) find(kind domain.RiskLimitKind, portfolioID, symbol, sector string) (*domain.RiskLimit, error) {
	var l domain.RiskLimit
	var k string
	err := r.db.QueryRow(`
		SELECT id, portfolio_id, symbol, sector, kind, value, warn_threshold
		FROM risk_limits WHERE kind = ? AND portfolio_id = ? AND symbol = ? AND sector = ?`,
		string(kind), portfolioID, symbol, sector).
		Scan(&l.ID, &l.PortfolioID, &l.Symbol, &l.Sector, &k, &l.Value, &l.WarnThreshold)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query risk limit: %w", err)
	}
	l.Kind = domain.RiskLimitKind(k)
	return &l, nil
}

// List returns all limits applying to a portfolio, including global ones.
func (r *LimitRepository) List(portfolioID string) ([]domain.RiskLimit, error) {
	rows, err := r.db.Query(`
		SELECT id, portfolio_id, symbol, sector, kind, value, warn_threshold
		FROM risk_limits WHERE portfolio_id = ? OR portfolio_id = '' ORDER BY id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk limits: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskLimit
	for rows.Next() {
		var l domain.RiskLimit
		var kind string
		if err := rows.Scan(&l.ID, &l.PortfolioID, &l.Symbol, &l.Sector, &kind, &l.Value, &l.WarnThreshold); err != nil {
			return nil, fmt.Errorf("failed to scan risk limit: %w", err)
		}
		l.Kind = domain.RiskLimitKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}

// effective returns the tightest limit of a kind matching the scope, or 0 if
// none is configured.
func effective(limits []domain.RiskLimit, kind domain.RiskLimitKind, symbol, sector string) float64 {
	var v float64
	for _, l := range limits {
		if l.Kind != kind {
			continue
		}
		if l.Symbol != "" && l.Symbol != symbol {
			continue
		}
		if l.Sector != "" && l.Sector != sector {
			continue
		}
		if v == 0 || l.Value < v {
			v = l.Value
		}
	}
	return v
}

// DailyVolume returns the notional already traded today by the portfolio.
func (r *LimitRepository) DailyVolume(portfolioID string, now time.Time) (float64, error) {
	var notional float64
	err := r.db.QueryRow(`SELECT notional FROM daily_volume WHERE portfolio_id = ? AND day = ?`,
		portfolioID, now.UTC().Format("2006-01-02")).Scan(&notional)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query daily volume: %w", err)
	}
	return notional, nil
}

// RecordTrade adds executed notional to today's running total.
func (r *LimitRepository) RecordTrade(portfolioID string, notional float64, now time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO daily_volume (portfolio_id, day, notional) VALUES (?, ?, ?)
		ON CONFLICT (portfolio_id, day) DO UPDATE SET notional = notional + excluded.notional`,
		portfolioID, now.UTC().Format("2006-01-02"), notional)
	if err != nil {
		return fmt.Errorf("failed to record daily volume: %w", err)
	}
	return nil
}
