// Package portfolio is the source of truth for positions, cash, and realized
// P/L. All mutations run inside a transaction under a per-portfolio lock and
// leave an audit record on the portfolio's stream.
package portfolio

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/database"
	"github.com/openquant/tradecore/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL,
	cash                REAL NOT NULL,
	currency            TEXT NOT NULL DEFAULT 'USD',
	var_limit           REAL NOT NULL DEFAULT 0,
	max_position_weight REAL NOT NULL DEFAULT 0,
	max_leverage        REAL NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS positions (
	portfolio_id TEXT NOT NULL REFERENCES portfolios(id),
	symbol       TEXT NOT NULL,
	quantity     REAL NOT NULL,
	avg_cost     REAL NOT NULL,
	realized_pl  REAL NOT NULL DEFAULT 0,
	last_mark    REAL NOT NULL DEFAULT 0,
	opened_at    INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (portfolio_id, symbol)
);
`

// Store persists portfolios and applies fills to them.
type Store struct {
	db      *sql.DB
	auditor *audit.Log
	log     zerolog.Logger
	locks   sync.Map // portfolio_id -> *sync.Mutex
}

// NewStore creates the store and ensures its schema exists.
func NewStore(db *sql.DB, auditor *audit.Log, log zerolog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create portfolio schema: %w", err)
	}
	return &Store{
		db:      db,
		auditor: auditor,
		log:     log.With().Str("repo", "portfolio").Logger(),
	}, nil
}

func (s *Store) lock(portfolioID string) *sync.Mutex {
	muIface, _ := s.locks.LoadOrStore(portfolioID, &sync.Mutex{})
	return muIface.(*sync.Mutex)
}

// Create inserts a new portfolio. Limits of zero mean "no limit".
func (s *Store) Create(p domain.Portfolio) error {
	if p.ID == "" || p.OwnerID == "" {
		return fmt.Errorf("%w: portfolio id and owner_id are required", domain.ErrValidation)
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.Status == "" {
		p.Status = domain.PortfolioActive
	}
	_, err := s.db.Exec(`
		INSERT INTO portfolios (id, owner_id, cash, currency, var_limit, max_position_weight, max_leverage, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Cash, p.Currency, p.VaRLimit, p.MaxPositionWeight, p.MaxLeverage, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to create portfolio %s: %w", p.ID, err)
	}
	s.log.Info().Str("portfolio_id", p.ID).Msg("Portfolio created")
	return nil
}

// Get returns a consistent snapshot of a portfolio with its positions.
func (s *Store) Get(portfolioID string) (domain.Portfolio, error) {
	var p domain.Portfolio
	var status string
	err := s.db.QueryRow(`
		SELECT id, owner_id, cash, currency, var_limit, max_position_weight, max_leverage, status
		FROM portfolios WHERE id = ?`, portfolioID).
		Scan(&p.ID, &p.OwnerID, &p.Cash, &p.Currency, &p.VaRLimit, &p.MaxPositionWeight, &p.MaxLeverage, &status)
	if err == sql.ErrNoRows {
		return domain.Portfolio{}, fmt.Errorf("%w: portfolio %q", domain.ErrNotFound, portfolioID)
	}
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("failed to load portfolio %s: %w", portfolioID, err)
	}
	p.Status = domain.PortfolioStatus(status)

	positions, err := s.GetPositions(portfolioID)
	if err != nil {
		return domain.Portfolio{}, err
	}
	p.Positions = make(map[string]*domain.Position, len(positions))
	for i := range positions {
		p.Positions[positions[i].Symbol] = &positions[i]
	}
	return p, nil
}

// GetPositions returns all positions of a portfolio, including flat ones kept
// for history.
func (s *Store) GetPositions(portfolioID string) ([]domain.Position, error) {
	rows, err := s.db.Query(`
		SELECT symbol, quantity, avg_cost, realized_pl, last_mark, opened_at, updated_at
		FROM positions WHERE portfolio_id = ? ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var pos domain.Position
		var opened, updated int64
		if err := rows.Scan(&pos.Symbol, &pos.Quantity, &pos.AvgCost, &pos.RealizedPL,
			&pos.LastMark, &opened, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		pos.OpenedAt = time.Unix(0, opened).UTC()
		pos.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, pos)
	}
	return out, rows.Err()
}

// ApplyFill applies one execution to the portfolio: quantity, weighted average
// cost on adds, realized P/L on reductions, and cash including fees. The
// position update and cash update commit in one transaction; the audit record
// follows on the portfolio's stream.
func (s *Store) ApplyFill(portfolioID, symbol string, side domain.OrderSide, fill domain.Fill) error {
	if fill.Qty <= 0 || fill.Price <= 0 {
		return fmt.Errorf("%w: fill qty and price must be positive", domain.ErrValidation)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: unknown side %q", domain.ErrValidation, side)
	}

	mu := s.lock(portfolioID)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Get(portfolioID)
	if err != nil {
		return err
	}
	if p.Status != domain.PortfolioActive {
		return fmt.Errorf("%w: portfolio %s is %s", domain.ErrIntegrity, portfolioID, p.Status)
	}

	var before domain.Position
	if pos, ok := p.Positions[symbol]; ok {
		before = *pos
	} else {
		before.Symbol = symbol
	}

	after := applyToPosition(before, side, fill)

	costs := fill.Fees + fill.Commission
	cashDelta := -fill.Qty*fill.Price - costs
	if side == domain.SideSell {
		cashDelta = fill.Qty*fill.Price - costs
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO positions (portfolio_id, symbol, quantity, avg_cost, realized_pl, last_mark, opened_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (portfolio_id, symbol) DO UPDATE SET
				quantity = excluded.quantity,
				avg_cost = excluded.avg_cost,
				realized_pl = excluded.realized_pl,
				last_mark = excluded.last_mark,
				updated_at = excluded.updated_at`,
			portfolioID, symbol, after.Quantity, after.AvgCost, after.RealizedPL,
			after.LastMark, after.OpenedAt.UnixNano(), after.UpdatedAt.UnixNano(),
		); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE portfolios SET cash = cash + ? WHERE id = ?`, cashDelta, portfolioID)
		return err
	})
	if err != nil {
		return err
	}

	if s.auditor != nil {
		if _, err := s.auditor.Append(audit.PortfolioStream(portfolioID), audit.Record{
			Actor:        "portfolio",
			Action:       audit.ActionFillApplied,
			ResourceType: "position",
			ResourceID:   portfolioID + "/" + symbol,
			PrevValues:   audit.MarshalValues(before),
			NewValues:    audit.MarshalValues(after),
		}); err != nil {
			return err
		}
	}

	s.log.Info().
		Str("portfolio_id", portfolioID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("qty", fill.Qty).
		Float64("price", fill.Price).
		Msg("Fill applied")
	return nil
}

// applyToPosition computes the post-fill position. Adds move the weighted
// average cost; reductions realize P/L against the current average; crossing
// through zero opens the residual at the fill price.
func applyToPosition(pos domain.Position, side domain.OrderSide, fill domain.Fill) domain.Position {
	delta := fill.Qty
	if side == domain.SideSell {
		delta = -fill.Qty
	}

	now := fill.TS
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	if pos.Quantity == 0 {
		pos.OpenedAt = now
	}

	switch {
	case pos.Quantity == 0 || sameSign(pos.Quantity, delta):
		// Add: weighted average cost.
		total := pos.Quantity + delta
		pos.AvgCost = (pos.AvgCost*abs(pos.Quantity) + fill.Price*abs(delta)) / abs(total)
		pos.Quantity = total
	case abs(delta) <= abs(pos.Quantity):
		// Reduce: realize against average cost.
		closed := abs(delta)
		if pos.Quantity > 0 {
			pos.RealizedPL += closed * (fill.Price - pos.AvgCost)
		} else {
			pos.RealizedPL += closed * (pos.AvgCost - fill.Price)
		}
		pos.Quantity += delta
		if pos.Quantity == 0 {
			pos.AvgCost = 0
		}
	default:
		// Cross through zero: close out fully, open the residual.
		closed := abs(pos.Quantity)
		if pos.Quantity > 0 {
			pos.RealizedPL += closed * (fill.Price - pos.AvgCost)
		} else {
			pos.RealizedPL += closed * (pos.AvgCost - fill.Price)
		}
		pos.Quantity += delta
		pos.AvgCost = fill.Price
		pos.OpenedAt = now
	}

	pos.LastMark = fill.Price
	pos.UpdatedAt = now
	return pos
}

// Mark updates the last mark price for every position in the symbol and
// records the re-mark on each affected portfolio's audit stream.
func (s *Store) Mark(symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: mark price must be positive", domain.ErrValidation)
	}

	type marked struct {
		PortfolioID string  `json:"portfolio_id"`
		Symbol      string  `json:"symbol"`
		LastMark    float64 `json:"last_mark"`
	}
	var affected []marked
	rows, err := s.db.Query(`SELECT portfolio_id, last_mark FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to query positions for %s: %w", symbol, err)
	}
	for rows.Next() {
		m := marked{Symbol: symbol}
		if err := rows.Scan(&m.PortfolioID, &m.LastMark); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan position mark: %w", err)
		}
		affected = append(affected, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to query positions for %s: %w", symbol, err)
	}

	_, err = s.db.Exec(`UPDATE positions SET last_mark = ?, updated_at = ? WHERE symbol = ?`,
		price, time.Now().UTC().UnixNano(), symbol)
	if err != nil {
		return fmt.Errorf("failed to mark %s: %w", symbol, err)
	}

	if s.auditor != nil {
		for _, prev := range affected {
			next := prev
			next.LastMark = price
			if _, err := s.auditor.Append(audit.PortfolioStream(prev.PortfolioID), audit.Record{
				Actor:        "portfolio",
				Action:       audit.ActionPositionMarked,
				ResourceType: "position",
				ResourceID:   prev.PortfolioID + "/" + symbol,
				PrevValues:   audit.MarshalValues(prev),
				NewValues:    audit.MarshalValues(next),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetStatus moves a portfolio between active, suspended, and closed.
// Suspension halts fills, e.g. after an audit integrity failure.
func (s *Store) SetStatus(portfolioID string, status domain.PortfolioStatus) error {
	res, err := s.db.Exec(`UPDATE portfolios SET status = ? WHERE id = ?`, string(status), portfolioID)
	if err != nil {
		return fmt.Errorf("failed to set portfolio status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: portfolio %q", domain.ErrNotFound, portfolioID)
	}
	s.log.Warn().Str("portfolio_id", portfolioID).Str("status", string(status)).Msg("Portfolio status changed")
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
