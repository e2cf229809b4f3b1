package dispatch

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

const signalsSchema = `
CREATE TABLE IF NOT EXISTS signals (
	id           TEXT PRIMARY KEY,
	predictor_id TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	ts           INTEGER NOT NULL,
	direction    TEXT NOT NULL,
	strength     REAL NOT NULL,
	confidence   REAL NOT NULL,
	horizon_bars INTEGER NOT NULL,
	target_price REAL,
	stop_loss    REAL,
	expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_ts ON signals(symbol, ts DESC);
`

// SignalStore persists emitted signals for audit and later inspection.
type SignalStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSignalStore creates the store and ensures its schema exists.
func NewSignalStore(db *sql.DB, log zerolog.Logger) (*SignalStore, error) {
	if _, err := db.Exec(signalsSchema); err != nil {
		return nil, fmt.Errorf("failed to create signals schema: %w", err)
	}
	return &SignalStore{db: db, log: log.With().Str("repo", "signals").Logger()}, nil
}

// Save inserts a signal. Signals are immutable; duplicate IDs are rejected.
func (s *SignalStore) Save(sig domain.Signal) error {
	_, err := s.db.Exec(`
		INSERT INTO signals
		(id, predictor_id, symbol, ts, direction, strength, confidence, horizon_bars, target_price, stop_loss, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.PredictorID, sig.Symbol, sig.TS.UnixNano(), string(sig.Direction),
		sig.Strength, sig.Confidence, sig.HorizonBars, sig.TargetPrice, sig.StopLoss,
		sig.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save signal %s: %w", sig.ID, err)
	}
	return nil
}

// ListBySymbol returns the most recent signals for a symbol, newest first.
func (s *SignalStore) ListBySymbol(symbol string, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, predictor_id, symbol, ts, direction, strength, confidence,
		       horizon_bars, target_price, stop_loss, expires_at
		FROM signals WHERE symbol = ? ORDER BY ts DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var ts, expires int64
		var direction string
		if err := rows.Scan(&sig.ID, &sig.PredictorID, &sig.Symbol, &ts, &direction,
			&sig.Strength, &sig.Confidence, &sig.HorizonBars, &sig.TargetPrice, &sig.StopLoss, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.TS = time.Unix(0, ts).UTC()
		sig.Direction = domain.SignalDirection(direction)
		sig.ExpiresAt = time.Unix(0, expires).UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}

// PurgeExpired deletes signals past their expiry. Returns rows removed.
func (s *SignalStore) PurgeExpired(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM signals WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired signals: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug().Int64("removed", n).Msg("Expired signals purged")
	}
	return n, nil
}
