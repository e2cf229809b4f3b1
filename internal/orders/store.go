package orders

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/database"
	"github.com/openquant/tradecore/internal/domain"
)

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	parent_id       TEXT NOT NULL DEFAULT '',
	portfolio_id    TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	qty             REAL NOT NULL,
	limit_price     REAL,
	stop_price      REAL,
	tif             TEXT NOT NULL,
	strategy        TEXT NOT NULL,
	strategy_params TEXT,
	status          TEXT NOT NULL,
	filled_qty      REAL NOT NULL DEFAULT 0,
	avg_fill_price  REAL,
	broker_id       TEXT NOT NULL DEFAULT '',
	broker_order_id TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	submitted_at    INTEGER,
	terminal_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_id) WHERE parent_id != '';

CREATE TABLE IF NOT EXISTS fills (
	id             TEXT PRIMARY KEY,
	order_id       TEXT NOT NULL REFERENCES orders(id),
	qty            REAL NOT NULL,
	price          REAL NOT NULL,
	ts             INTEGER NOT NULL,
	venue          TEXT NOT NULL DEFAULT '',
	broker_exec_id TEXT NOT NULL UNIQUE,
	fees           REAL NOT NULL DEFAULT 0,
	commission     REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id, ts);
`

// Store persists orders and their fills. The fill table's unique constraint on
// broker_exec_id is what deduplicates replayed broker events.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates the order store and ensures its schema exists.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	if _, err := db.Exec(ordersSchema); err != nil {
		return nil, fmt.Errorf("failed to create orders schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("repo", "orders").Logger()}, nil
}

// Insert persists a new order.
func (s *Store) Insert(o domain.Order) error {
	params, err := json.Marshal(o.StrategyParams)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO orders
		(id, parent_id, portfolio_id, symbol, side, type, qty, limit_price, stop_price,
		 tif, strategy, strategy_params, status, filled_qty, avg_fill_price,
		 broker_id, broker_order_id, error, created_at, submitted_at, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ParentID, o.PortfolioID, o.Symbol, string(o.Side), string(o.Type), o.Qty,
		o.LimitPrice, o.StopPrice, string(o.TIF), string(o.Strategy), string(params),
		string(o.Status), o.FilledQty, o.AvgFillPrice,
		o.BrokerID, o.BrokerOrderID, o.Error,
		o.CreatedAt.UnixNano(), nullableTime(o.SubmittedAt), nullableTime(o.TerminalAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of an order.
func (s *Store) Update(o domain.Order) error {
	res, err := s.db.Exec(`
		UPDATE orders SET
			status = ?, filled_qty = ?, avg_fill_price = ?,
			broker_id = ?, broker_order_id = ?, error = ?,
			submitted_at = ?, terminal_at = ?
		WHERE id = ?`,
		string(o.Status), o.FilledQty, o.AvgFillPrice,
		o.BrokerID, o.BrokerOrderID, o.Error,
		nullableTime(o.SubmittedAt), nullableTime(o.TerminalAt), o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: order %q", domain.ErrNotFound, o.ID)
	}
	return nil
}

// Get returns one order by ID.
func (s *Store) Get(id string) (domain.Order, error) {
	row := s.db.QueryRow(selectOrder+` WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: order %q", domain.ErrNotFound, id)
	}
	return o, err
}

// ListOpen returns every order not yet in a terminal state, oldest first.
// An optional broker name narrows the result.
func (s *Store) ListOpen(brokerID string) ([]domain.Order, error) {
	query := selectOrder + ` WHERE status IN ('PENDING', 'SUBMITTED', 'PARTIALLY_FILLED', 'CANCELLING')`
	args := []interface{}{}
	if brokerID != "" {
		query += ` AND broker_id = ?`
		args = append(args, brokerID)
	}
	query += ` ORDER BY created_at ASC`
	return s.list(query, args...)
}

// ListChildren returns the child orders of a parent, oldest first.
func (s *Store) ListChildren(parentID string) ([]domain.Order, error) {
	return s.list(selectOrder+` WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
}

// InsertFill records a fill and applies the order's post-fill state in one
// transaction. A fill whose broker_exec_id was already recorded is a replay:
// nothing changes and applied is false.
func (s *Store) InsertFill(o domain.Order, f domain.Fill) (applied bool, err error) {
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO fills
			(id, order_id, qty, price, ts, venue, broker_exec_id, fees, commission)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.OrderID, f.Qty, f.Price, f.TS.UnixNano(), f.Venue, f.BrokerExecID,
			f.Fees, f.Commission,
		)
		if err != nil {
			return fmt.Errorf("failed to insert fill: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check fill insert: %w", err)
		}
		if n == 0 {
			return nil // duplicate broker_exec_id
		}
		applied = true

		_, err = tx.Exec(`
			UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?, terminal_at = ?
			WHERE id = ?`,
			string(o.Status), o.FilledQty, o.AvgFillPrice, nullableTime(o.TerminalAt), o.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to apply fill to order %s: %w", o.ID, err)
		}
		return nil
	})
	return applied, err
}

// Fills returns the fills recorded against an order, oldest first.
func (s *Store) Fills(orderID string) ([]domain.Fill, error) {
	rows, err := s.db.Query(`
		SELECT id, order_id, qty, price, ts, venue, broker_exec_id, fees, commission
		FROM fills WHERE order_id = ? ORDER BY ts ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var ts int64
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Qty, &f.Price, &ts, &f.Venue,
			&f.BrokerExecID, &f.Fees, &f.Commission); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.TS = time.Unix(0, ts).UTC()
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

const selectOrder = `
	SELECT id, parent_id, portfolio_id, symbol, side, type, qty, limit_price, stop_price,
	       tif, strategy, strategy_params, status, filled_qty, avg_fill_price,
	       broker_id, broker_order_id, error, created_at, submitted_at, terminal_at
	FROM orders`

func (s *Store) list(query string, args ...interface{}) ([]domain.Order, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var params string
	var createdAt int64
	var submittedAt, terminalAt sql.NullInt64
	var side, typ, tif, strategy, status string

	err := row.Scan(&o.ID, &o.ParentID, &o.PortfolioID, &o.Symbol, &side, &typ, &o.Qty,
		&o.LimitPrice, &o.StopPrice, &tif, &strategy, &params, &status,
		&o.FilledQty, &o.AvgFillPrice, &o.BrokerID, &o.BrokerOrderID, &o.Error,
		&createdAt, &submittedAt, &terminalAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.TIF = domain.TimeInForce(tif)
	o.Strategy = domain.ExecStrategy(strategy)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	if params != "" {
		if err := json.Unmarshal([]byte(params), &o.StrategyParams); err != nil {
			return domain.Order{}, fmt.Errorf("failed to decode strategy params for %s: %w", o.ID, err)
		}
	}
	if submittedAt.Valid {
		t := time.Unix(0, submittedAt.Int64).UTC()
		o.SubmittedAt = &t
	}
	if terminalAt.Valid {
		t := time.Unix(0, terminalAt.Int64).UTC()
		o.TerminalAt = &t
	}
	return o, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
