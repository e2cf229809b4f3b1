package portfolio

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *audit.Log) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:portfolio_"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	auditor, err := audit.New(db, zerolog.Nop())
	require.NoError(t, err)
	store, err := NewStore(db, auditor, zerolog.Nop())
	require.NoError(t, err)
	return store, auditor
}

func seedPortfolio(t *testing.T, store *Store, cash float64) string {
	t.Helper()
	require.NoError(t, store.Create(domain.Portfolio{
		ID: "pf-1", OwnerID: "alice", Cash: cash,
		VaRLimit: 0.05, MaxPositionWeight: 0.25, MaxLeverage: 2,
	}))
	return "pf-1"
}

func fill(qty, price float64, execID string) domain.Fill {
	return domain.Fill{
		ID: "f-" + execID, OrderID: "o-1", Qty: qty, Price: price,
		TS: time.Now(), BrokerExecID: execID,
	}
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 100000)

	p, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.OwnerID)
	assert.Equal(t, 100000.0, p.Cash)
	assert.Equal(t, domain.PortfolioActive, p.Status)
	assert.Empty(t, p.Positions)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyFillBuildsWeightedAvgCost(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 100000)

	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideBuy, fill(100, 150, "e1")))
	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideBuy, fill(100, 160, "e2")))

	p, err := store.Get(id)
	require.NoError(t, err)
	pos := p.Positions["AAPL"]
	require.NotNil(t, pos)
	assert.Equal(t, 200.0, pos.Quantity)
	assert.InDelta(t, 155, pos.AvgCost, 1e-9)
	assert.InDelta(t, 100000-100*150-100*160, p.Cash, 1e-9)
}

func TestApplyFillRealizesPLOnReduction(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 100000)

	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideBuy, fill(100, 150, "e1")))
	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideSell, fill(40, 160, "e2")))

	p, err := store.Get(id)
	require.NoError(t, err)
	pos := p.Positions["AAPL"]
	assert.Equal(t, 60.0, pos.Quantity)
	assert.InDelta(t, 150, pos.AvgCost, 1e-9, "reduction keeps avg cost")
	assert.InDelta(t, 40*(160-150), pos.RealizedPL, 1e-9)
	assert.InDelta(t, 100000-100*150+40*160, p.Cash, 1e-9)
}

func TestApplyFillCrossesThroughZero(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 100000)

	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideBuy, fill(100, 150, "e1")))
	// Sell 150: closes the 100 long at +10 each, opens a 50 short at 160.
	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideSell, fill(150, 160, "e2")))

	p, err := store.Get(id)
	require.NoError(t, err)
	pos := p.Positions["AAPL"]
	assert.Equal(t, -50.0, pos.Quantity)
	assert.InDelta(t, 160, pos.AvgCost, 1e-9)
	assert.InDelta(t, 1000, pos.RealizedPL, 1e-9)
}

func TestApplyFillShortSide(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 100000)

	require.NoError(t, store.ApplyFill(id, "TSLA", domain.SideSell, fill(50, 200, "e1")))
	require.NoError(t, store.ApplyFill(id, "TSLA", domain.SideBuy, fill(50, 180, "e2")))

	p, err := store.Get(id)
	require.NoError(t, err)
	pos := p.Positions["TSLA"]
	assert.True(t, pos.Flat())
	assert.InDelta(t, 50*(200-180), pos.RealizedPL, 1e-9)
	assert.Zero(t, pos.AvgCost)
}

func TestApplyFillIncludesFees(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 10000)

	f := fill(10, 100, "e1")
	f.Fees = 2.5
	f.Commission = 1.5
	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideBuy, f))

	p, err := store.Get(id)
	require.NoError(t, err)
	assert.InDelta(t, 10000-10*100-4, p.Cash, 1e-9)
}

func TestApplyFillValidation(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 10000)

	assert.ErrorIs(t, store.ApplyFill(id, "AAPL", domain.SideBuy, fill(0, 100, "e1")), domain.ErrValidation)
	assert.ErrorIs(t, store.ApplyFill(id, "AAPL", "long", fill(1, 100, "e1")), domain.ErrValidation)
	assert.ErrorIs(t, store.ApplyFill("missing", "AAPL", domain.SideBuy, fill(1, 100, "e1")), domain.ErrNotFound)
}

func TestSuspendedPortfolioRejectsFills(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 10000)

	require.NoError(t, store.SetStatus(id, domain.PortfolioSuspended))
	err := store.ApplyFill(id, "AAPL", domain.SideBuy, fill(1, 100, "e1"))
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestApplyFillWritesAuditRecord(t *testing.T) {
	store, auditor := newTestStore(t)
	id := seedPortfolio(t, store, 10000)

	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideBuy, fill(10, 100, "e1")))

	records, err := auditor.Stream(audit.PortfolioStream(id))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.ActionFillApplied, records[0].Action)
	assert.NotEmpty(t, records[0].PrevValues)
	assert.NotEmpty(t, records[0].NewValues)
}

func TestMarkUpdatesPositions(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 10000)
	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideBuy, fill(10, 100, "e1")))

	require.NoError(t, store.Mark("AAPL", 123.45))
	p, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 123.45, p.Positions["AAPL"].LastMark)

	assert.ErrorIs(t, store.Mark("AAPL", 0), domain.ErrValidation)
}

func TestMarkLeavesAuditRecord(t *testing.T) {
	store, auditor := newTestStore(t)
	id := seedPortfolio(t, store, 10000)
	require.NoError(t, store.ApplyFill(id, "AAPL", domain.SideBuy, fill(10, 100, "e1")))

	require.NoError(t, store.Mark("AAPL", 110))

	records, err := auditor.Stream(audit.PortfolioStream(id))
	require.NoError(t, err)
	require.Len(t, records, 2) // fill, then the re-mark
	last := records[len(records)-1]
	assert.Equal(t, audit.ActionPositionMarked, last.Action)
	assert.Equal(t, id+"/AAPL", last.ResourceID)
	assert.Contains(t, string(last.PrevValues), `"last_mark":100`)
	assert.Contains(t, string(last.NewValues), `"last_mark":110`)
}

// Applying an ordered fill sequence while readers run concurrently must yield
// the same final snapshot as applying it alone.
func TestSnapshotStableUnderConcurrentReads(t *testing.T) {
	store, _ := newTestStore(t)
	id := seedPortfolio(t, store, 100000)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					store.Get(id)
				}
			}
		}()
	}

	fills := []struct {
		side  domain.OrderSide
		qty   float64
		price float64
	}{
		{domain.SideBuy, 100, 150}, {domain.SideBuy, 50, 156},
		{domain.SideSell, 80, 160}, {domain.SideBuy, 30, 158},
	}
	for i, f := range fills {
		require.NoError(t, store.ApplyFill(id, "AAPL", f.side, fill(f.qty, f.price, string(rune('a'+i)))))
	}
	close(stop)
	wg.Wait()

	p, err := store.Get(id)
	require.NoError(t, err)
	pos := p.Positions["AAPL"]
	assert.InDelta(t, 100.0, pos.Quantity, 1e-9)
	// Avg cost: 100@150 + 50@156 -> 152; sell 80 leaves avg 152; buy 30@158
	// -> (70*152 + 30*158)/100 = 153.8.
	assert.InDelta(t, 153.8, pos.AvgCost, 1e-9)
	assert.InDelta(t, 80*(160-152), pos.RealizedPL, 1e-9)
}
