// Package audit implements the append-only, hash-chained audit trail.
//
// Every mutating operation on portfolios, orders, risk limits and predictor
// status writes a record here. Records form a per-stream hash chain:
//
//	hash = sha256(prev_hash || canonical_json(record minus hash))
//
// Streams are per-portfolio plus a global stream. A failed chain verification
// marks the stream as halted; further appends return ErrIntegrity until the
// halt is explicitly cleared.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// GlobalStream is the stream name for records not scoped to a portfolio.
const GlobalStream = "global"

// PortfolioStream returns the stream name for records scoped to one portfolio.
func PortfolioStream(portfolioID string) string {
	return "portfolio:" + portfolioID
}

// Action names recorded in the audit trail.
const (
	ActionOrderCreated    = "OrderCreated"
	ActionOrderSubmitted  = "OrderSubmitted"
	ActionOrderFilled     = "OrderFilled"
	ActionOrderCancelled  = "OrderCancelled"
	ActionOrderRejected   = "OrderRejected"
	ActionOrderExpired    = "OrderExpired"
	ActionOrderErrored    = "OrderErrored"
	ActionRejectedByRisk  = "RejectedByRisk"
	ActionFillApplied     = "FillApplied"
	ActionPositionMarked  = "PositionMarked"
	ActionLimitChanged    = "RiskLimitChanged"
	ActionPredictorStatus = "PredictorStatusChanged"
	ActionSignalEmitted   = "SignalEmitted"
)

// Record is one audit entry. PrevValues/NewValues carry the before/after
// snapshots of the mutated resource as raw JSON.
type Record struct {
	ID           int64           `json:"id,omitempty"`
	Stream       string          `json:"stream"`
	TS           time.Time       `json:"ts"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	PrevValues   json.RawMessage `json:"prev_values,omitempty"`
	NewValues    json.RawMessage `json:"new_values,omitempty"`
	PrevHash     string          `json:"prev_hash"`
	Hash         string          `json:"hash"`
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	stream        TEXT NOT NULL,
	ts            INTEGER NOT NULL,
	actor         TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	prev_values   TEXT,
	new_values    TEXT,
	prev_hash     TEXT NOT NULL,
	hash          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_stream ON audit_records(stream, id);
`

// Log is the audit logger. Appends are serialized per stream; each stream
// tracks its chain tip in memory after the first touch.
type Log struct {
	db  *sql.DB
	log zerolog.Logger

	mu     sync.Mutex
	tips   map[string]string // stream -> last hash
	halted map[string]bool   // streams halted by integrity failures
}

// New creates the audit log and ensures its schema exists.
func New(db *sql.DB, log zerolog.Logger) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &Log{
		db:     db,
		log:    log.With().Str("module", "audit").Logger(),
		tips:   make(map[string]string),
		halted: make(map[string]bool),
	}, nil
}

// Append writes a record to the stream, computing prev_hash and hash.
// The record's Stream, TS, Hash and PrevHash fields are set by Append.
func (l *Log) Append(stream string, rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted[stream] {
		return Record{}, fmt.Errorf("%w: stream %q is halted", domain.ErrIntegrity, stream)
	}

	prev, err := l.tipLocked(stream)
	if err != nil {
		return Record{}, err
	}

	rec.Stream = stream
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}
	// Stored timestamps are UnixNano; normalize to UTC so verification
	// re-canonicalizes to the same JSON.
	rec.TS = rec.TS.UTC()
	rec.PrevHash = prev
	rec.ID = 0 // assigned by the database; excluded from the hash

	hash, err := chainHash(prev, rec)
	if err != nil {
		return Record{}, err
	}
	rec.Hash = hash

	res, err := l.db.Exec(`
		INSERT INTO audit_records
		(stream, ts, actor, action, resource_type, resource_id, prev_values, new_values, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Stream, rec.TS.UnixNano(), rec.Actor, rec.Action, rec.ResourceType, rec.ResourceID,
		nullableJSON(rec.PrevValues), nullableJSON(rec.NewValues), rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return Record{}, fmt.Errorf("failed to append audit record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}

	l.tips[stream] = rec.Hash

	l.log.Debug().
		Str("stream", stream).
		Str("action", rec.Action).
		Str("resource", rec.ResourceType+"/"+rec.ResourceID).
		Msg("Audit record appended")

	return rec, nil
}

// tipLocked returns the last hash on the stream, loading it from the database
// on first use. Empty string means the stream has no records yet.
func (l *Log) tipLocked(stream string) (string, error) {
	if tip, ok := l.tips[stream]; ok {
		return tip, nil
	}
	var hash string
	err := l.db.QueryRow(
		`SELECT hash FROM audit_records WHERE stream = ? ORDER BY id DESC LIMIT 1`, stream,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		l.tips[stream] = ""
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load audit chain tip: %w", err)
	}
	l.tips[stream] = hash
	return hash, nil
}

// Verify walks the stream from the beginning and checks every link. It returns
// the ID of the first broken record, or 0 if the chain is intact. A broken
// chain halts the stream.
func (l *Log) Verify(stream string) (int64, error) {
	rows, err := l.db.Query(`
		SELECT id, stream, ts, actor, action, resource_type, resource_id,
		       prev_values, new_values, prev_hash, hash
		FROM audit_records WHERE stream = ? ORDER BY id ASC`, stream)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit stream: %w", err)
	}
	defer rows.Close()

	prev := ""
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return 0, err
		}
		if rec.PrevHash != prev {
			l.halt(stream)
			return rec.ID, fmt.Errorf("%w: record %d prev_hash mismatch", domain.ErrIntegrity, rec.ID)
		}
		expected, err := chainHash(prev, rec)
		if err != nil {
			return 0, err
		}
		if rec.Hash != expected {
			l.halt(stream)
			return rec.ID, fmt.Errorf("%w: record %d hash mismatch", domain.ErrIntegrity, rec.ID)
		}
		prev = rec.Hash
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate audit stream: %w", err)
	}
	return 0, nil
}

// VerifyAll verifies every stream present in the log. Returns the first
// failure encountered.
func (l *Log) VerifyAll() error {
	rows, err := l.db.Query(`SELECT DISTINCT stream FROM audit_records`)
	if err != nil {
		return fmt.Errorf("failed to list audit streams: %w", err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return fmt.Errorf("failed to scan stream name: %w", err)
		}
		streams = append(streams, s)
	}
	for _, s := range streams {
		if _, err := l.Verify(s); err != nil {
			return err
		}
	}
	return nil
}

// Stream returns all records on a stream in append order.
func (l *Log) Stream(stream string) ([]Record, error) {
	rows, err := l.db.Query(`
		SELECT id, stream, ts, actor, action, resource_type, resource_id,
		       prev_values, new_values, prev_hash, hash
		FROM audit_records WHERE stream = ? ORDER BY id ASC`, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Halted reports whether the stream has been halted by an integrity failure.
func (l *Log) Halted(stream string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted[stream]
}

// ClearHalt re-enables a halted stream after manual intervention.
func (l *Log) ClearHalt(stream string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.halted, stream)
	delete(l.tips, stream) // reload the tip on next append
	l.log.Warn().Str("stream", stream).Msg("Audit stream halt cleared")
}

func (l *Log) halt(stream string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halted[stream] = true
	l.log.Error().Str("stream", stream).Msg("Audit stream halted: chain verification failed")
}

// chainHash computes sha256(prev_hash || canonical_json(record minus hash)).
func chainHash(prevHash string, rec Record) (string, error) {
	canonical, err := canonicalJSON(rec)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON encodes the record with the hash and database ID removed and
// keys sorted. Round-tripping through a map gives sorted-key output because
// encoding/json sorts map keys.
func canonicalJSON(rec Record) ([]byte, error) {
	rec.Hash = ""
	rec.ID = 0
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit record: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to canonicalize audit record: %w", err)
	}
	delete(m, "hash")
	delete(m, "id")
	canonical, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical record: %w", err)
	}
	return canonical, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var ts int64
	var prevVals, newVals sql.NullString
	if err := rows.Scan(&rec.ID, &rec.Stream, &ts, &rec.Actor, &rec.Action,
		&rec.ResourceType, &rec.ResourceID, &prevVals, &newVals, &rec.PrevHash, &rec.Hash); err != nil {
		return Record{}, fmt.Errorf("failed to scan audit record: %w", err)
	}
	rec.TS = time.Unix(0, ts).UTC()
	if prevVals.Valid {
		rec.PrevValues = json.RawMessage(prevVals.String)
	}
	if newVals.Valid {
		rec.NewValues = json.RawMessage(newVals.String)
	}
	return rec, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// MarshalValues is a helper for callers recording before/after snapshots.
func MarshalValues(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
