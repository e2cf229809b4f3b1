package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

const barsSchema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol      TEXT NOT NULL,
	timeframe   TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	open        REAL NOT NULL,
	high        REAL NOT NULL,
	low         REAL NOT NULL,
	close       REAL NOT NULL,
	volume      REAL NOT NULL,
	source      TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts, source)
);
CREATE INDEX IF NOT EXISTS idx_bars_range ON bars(symbol, timeframe, ts);
`

// barsColumns avoids SELECT * which can break when the schema changes.
const barsColumns = `symbol, timeframe, ts, open, high, low, close, volume, source, received_at`

// BarStore is the append-only time-series repository for bars. Bars are never
// deleted except by time-based retention; a write for an existing
// (symbol, timeframe, ts, source) key only wins if it was received later.
type BarStore struct {
	db  *sql.DB
	log zerolog.Logger

	// preferredSources resolves conflicts when multiple sources supply a bar
	// for the same timestamp. Earlier entries win; unknown sources rank last.
	preferredSources []string
}

// NewBarStore creates the store and ensures its schema exists.
func NewBarStore(db *sql.DB, preferredSources []string, log zerolog.Logger) (*BarStore, error) {
	if _, err := db.Exec(barsSchema); err != nil {
		return nil, fmt.Errorf("failed to create bars schema: %w", err)
	}
	return &BarStore{
		db:               db,
		log:              log.With().Str("repo", "bars").Logger(),
		preferredSources: preferredSources,
	}, nil
}

// Append writes bars, keeping the latest-received bar on key conflicts.
func (s *BarStore) Append(bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin bars transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.Prepare(`
		INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume, source, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, ts, source) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, received_at = excluded.received_at
		WHERE excluded.received_at > bars.received_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare bars insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		receivedAt := b.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now()
		}
		if _, err := stmt.Exec(
			b.Symbol, string(b.Timeframe), b.TS.UTC().Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume,
			b.Source, receivedAt.UTC().UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert bar %s/%s@%d: %w", b.Symbol, b.Timeframe, b.TS.Unix(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bars: %w", err)
	}
	return nil
}

// GetRange returns bars covering [r.From, r.To) in ascending timestamp order.
// When multiple sources supply the same timestamp the preferred source wins.
func (s *BarStore) GetRange(symbol string, tf domain.Timeframe, r domain.BarRange) ([]domain.Bar, error) {
	rows, err := s.db.Query(`
		SELECT `+barsColumns+` FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		symbol, string(tf), r.From.UTC().Unix(), r.To.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var all []domain.Bar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bars: %w", err)
	}

	return s.resolveSources(all), nil
}

// Retention deletes bars older than the cutoff. The only deletion path.
func (s *BarStore) Retention(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM bars WHERE ts < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to apply bar retention: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Bar retention applied")
	}
	return n, nil
}

// resolveSources collapses per-timestamp duplicates across sources using the
// preferred-source ranking.
func (s *BarStore) resolveSources(bars []domain.Bar) []domain.Bar {
	if len(bars) == 0 {
		return nil
	}
	rank := func(source string) int {
		for i, p := range s.preferredSources {
			if p == source {
				return i
			}
		}
		return len(s.preferredSources)
	}

	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].TS.Equal(b.TS) {
			if rank(b.Source) < rank(out[n-1].Source) {
				out[n-1] = b
			}
			continue
		}
		out = append(out, b)
	}
	return out
}

func scanBar(rows *sql.Rows) (domain.Bar, error) {
	var b domain.Bar
	var tf string
	var ts, receivedAt int64
	if err := rows.Scan(&b.Symbol, &tf, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Source, &receivedAt); err != nil {
		return domain.Bar{}, fmt.Errorf("failed to scan bar: %w", err)
	}
	b.Timeframe = domain.Timeframe(tf)
	b.TS = time.Unix(ts, 0).UTC()
	b.ReceivedAt = time.Unix(0, receivedAt).UTC()
	return b, nil
}

// DetectGaps returns the timestamps missing from a bar sequence, stepping by
// the timeframe's nominal duration. Daily bars tolerate weekend holes; weekly
// and monthly bars are not gap-checked (calendar irregularity).
func DetectGaps(bars []domain.Bar, tf domain.Timeframe) []time.Time {
	if len(bars) < 2 || tf == domain.Timeframe1w || tf == domain.Timeframe1mo {
		return nil
	}
	step := tf.Duration()
	var gaps []time.Time
	for i := 1; i < len(bars); i++ {
		delta := bars[i].TS.Sub(bars[i-1].TS)
		if delta <= step {
			continue
		}
		if tf == domain.Timeframe1d && delta <= 3*step {
			// Friday -> Monday is a normal 3-day delta.
			continue
		}
		for ts := bars[i-1].TS.Add(step); ts.Before(bars[i].TS); ts = ts.Add(step) {
			gaps = append(gaps, ts)
		}
	}
	return gaps
}
