package audit

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/openquant/tradecore/internal/domain"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := sql.Open("sqlite", "file:audit_test?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	l, err := New(db, zerolog.Nop())
	require.NoError(t, err)
	_, err = db.Exec("DELETE FROM audit_records")
	require.NoError(t, err)
	return l
}

func TestAppendChains(t *testing.T) {
	l := newTestLog(t)

	r1, err := l.Append("portfolio-1", Record{
		Actor:        "engine",
		Action:       ActionOrderCreated,
		ResourceType: "order",
		ResourceID:   "o1",
		NewValues:    MarshalValues(map[string]string{"status": "PENDING"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "", r1.PrevHash)
	assert.NotEmpty(t, r1.Hash)

	r2, err := l.Append("portfolio-1", Record{
		Actor:        "engine",
		Action:       ActionOrderSubmitted,
		ResourceType: "order",
		ResourceID:   "o1",
		PrevValues:   MarshalValues(map[string]string{"status": "PENDING"}),
		NewValues:    MarshalValues(map[string]string{"status": "SUBMITTED"}),
	})
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.PrevHash)
	assert.NotEqual(t, r1.Hash, r2.Hash)
}

func TestVerifyIntactChain(t *testing.T) {
	l := newTestLog(t)

	for i := 0; i < 5; i++ {
		_, err := l.Append(GlobalStream, Record{
			Actor:        "engine",
			Action:       ActionFillApplied,
			ResourceType: "fill",
			ResourceID:   "f1",
		})
		require.NoError(t, err)
	}

	broken, err := l.Verify(GlobalStream)
	require.NoError(t, err)
	assert.Zero(t, broken)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append("p1", Record{Actor: "a", Action: ActionOrderCreated, ResourceType: "order", ResourceID: "o1"})
	require.NoError(t, err)
	r2, err := l.Append("p1", Record{Actor: "a", Action: ActionOrderFilled, ResourceType: "order", ResourceID: "o1"})
	require.NoError(t, err)
	_, err = l.Append("p1", Record{Actor: "a", Action: ActionOrderCancelled, ResourceType: "order", ResourceID: "o1"})
	require.NoError(t, err)

	// Tamper with the middle record's payload.
	_, err = l.db.Exec(`UPDATE audit_records SET actor = 'intruder' WHERE id = ?`, r2.ID)
	require.NoError(t, err)

	broken, err := l.Verify("p1")
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Equal(t, r2.ID, broken)

	// Stream is halted; appends fail until cleared.
	assert.True(t, l.Halted("p1"))
	_, err = l.Append("p1", Record{Actor: "a", Action: ActionOrderCreated, ResourceType: "order", ResourceID: "o2"})
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	l.ClearHalt("p1")
	assert.False(t, l.Halted("p1"))
}

func TestStreamsAreIndependent(t *testing.T) {
	l := newTestLog(t)

	a1, err := l.Append("p1", Record{Actor: "a", Action: ActionOrderCreated, ResourceType: "order", ResourceID: "o1"})
	require.NoError(t, err)
	b1, err := l.Append("p2", Record{Actor: "a", Action: ActionOrderCreated, ResourceType: "order", ResourceID: "o2"})
	require.NoError(t, err)

	// Both streams start from an empty prev_hash.
	assert.Equal(t, "", a1.PrevHash)
	assert.Equal(t, "", b1.PrevHash)

	require.NoError(t, l.VerifyAll())
}

func TestTipSurvivesRestart(t *testing.T) {
	l := newTestLog(t)

	r1, err := l.Append("p1", Record{Actor: "a", Action: ActionOrderCreated, ResourceType: "order", ResourceID: "o1"})
	require.NoError(t, err)

	// A fresh Log over the same database must chain onto the existing tip.
	l2, err := New(l.db, zerolog.Nop())
	require.NoError(t, err)
	r2, err := l2.Append("p1", Record{Actor: "a", Action: ActionOrderFilled, ResourceType: "order", ResourceID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.PrevHash)
}
