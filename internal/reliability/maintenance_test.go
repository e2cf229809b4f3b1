package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/tradecore/internal/database"
)

type stubVerifier struct{ err error }

func (s stubVerifier) VerifyAll() error { return s.err }

type stubPurger struct{ purged int64 }

func (s *stubPurger) PurgeExpired(time.Time) (int64, error) {
	s.purged++
	return 3, nil
}

func newMaintenanceDBs(t *testing.T) (string, []*database.DB) {
	t.Helper()
	dir := t.TempDir()

	standard, err := database.New(database.Config{
		Path: dir + "/trading.db", Profile: database.ProfileStandard, Name: "trading",
	})
	require.NoError(t, err)
	t.Cleanup(func() { standard.Close() })

	cache, err := database.New(database.Config{
		Path: dir + "/signals.db", Profile: database.ProfileCache, Name: "signals",
	})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return dir, []*database.DB{standard, cache}
}

func TestDailyMaintenance(t *testing.T) {
	dir, dbs := newMaintenanceDBs(t)
	purger := &stubPurger{}
	m := NewMaintenance(dbs, stubVerifier{}, purger, dir, zerolog.Nop())

	require.NoError(t, m.RunDaily())
	assert.Equal(t, int64(1), purger.purged)
}

func TestDailyMaintenanceFailsOnBrokenAuditChain(t *testing.T) {
	dir, dbs := newMaintenanceDBs(t)
	m := NewMaintenance(dbs, stubVerifier{err: errors.New("hash mismatch at seq 7")}, nil, dir, zerolog.Nop())

	err := m.RunDaily()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit chain verification failed")
}

func TestWeeklyMaintenanceVacuumsCacheDatabases(t *testing.T) {
	dir, dbs := newMaintenanceDBs(t)
	m := NewMaintenance(dbs, nil, nil, dir, zerolog.Nop())

	require.NoError(t, m.RunWeekly())
}
