package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/tradecore/internal/domain"
)

func testOrder(id string) domain.Order {
	return domain.Order{
		ID:          id,
		PortfolioID: "p1",
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		Qty:         100,
		TIF:         domain.TIFDay,
		Strategy:    domain.StrategyMarket,
		Status:      domain.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// drain collects every event currently buffered on the channel.
func drain(ch <-chan domain.BrokerEvent) []domain.BrokerEvent {
	var out []domain.BrokerEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestValidateEventClock(t *testing.T) {
	now := time.Now().UTC()

	ok := domain.BrokerEvent{Type: domain.BrokerFill, OrderID: "o1", TS: now.Add(30 * time.Second)}
	require.NoError(t, ValidateEventClock(ok, now))

	skewed := domain.BrokerEvent{Type: domain.BrokerFill, OrderID: "o1", TS: now.Add(90 * time.Second)}
	assert.ErrorIs(t, ValidateEventClock(skewed, now), domain.ErrValidation)
}

func TestPaperSubmitFillsImmediately(t *testing.T) {
	p := NewPaper("paper", zerolog.Nop())
	p.SetPrice("AAPL", 150)

	id, err := p.Submit(context.Background(), testOrder("o1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	events := drain(p.Events())
	require.Len(t, events, 2)
	assert.Equal(t, domain.BrokerAck, events[0].Type)
	assert.Equal(t, domain.BrokerFill, events[1].Type)
	assert.Equal(t, 100.0, events[1].Qty)
	assert.Equal(t, 150.0, events[1].Price)
	assert.NotEmpty(t, events[1].BrokerExecID)
}

func TestPaperSubmitIsIdempotent(t *testing.T) {
	p := NewPaper("paper", zerolog.Nop())

	first, err := p.Submit(context.Background(), testOrder("o1"))
	require.NoError(t, err)
	second, err := p.Submit(context.Background(), testOrder("o1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, drain(p.Events()), 2, "resubmission must not emit new events")
}

func TestPaperSlicedFills(t *testing.T) {
	p := NewPaper("paper", zerolog.Nop())
	p.Slices = 4

	_, err := p.Submit(context.Background(), testOrder("o1"))
	require.NoError(t, err)

	events := drain(p.Events())
	require.Len(t, events, 5) // ack + 4 fills

	var total float64
	seen := map[string]bool{}
	for _, ev := range events[1:] {
		require.Equal(t, domain.BrokerFill, ev.Type)
		total += ev.Qty
		assert.False(t, seen[ev.BrokerExecID], "exec ids must be unique")
		seen[ev.BrokerExecID] = true
	}
	assert.InDelta(t, 100.0, total, 1e-9)
}

func TestPaperManualMode(t *testing.T) {
	p := NewPaper("paper", zerolog.Nop())
	p.Manual = true

	brokerID, err := p.Submit(context.Background(), testOrder("o1"))
	require.NoError(t, err)

	events := drain(p.Events())
	require.Len(t, events, 1)
	assert.Equal(t, domain.BrokerAck, events[0].Type)

	require.NoError(t, p.Fill("o1", 40, 151))
	require.NoError(t, p.Cancel(context.Background(), brokerID))

	events = drain(p.Events())
	require.Len(t, events, 2)
	assert.Equal(t, domain.BrokerFill, events[0].Type)
	assert.Equal(t, 40.0, events[0].Qty)
	assert.Equal(t, domain.BrokerCancelled, events[1].Type)

	ev, err := p.Poll(context.Background(), brokerID)
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerCancelled, ev.Type)
	assert.Equal(t, 40.0, ev.Qty)
}

func TestPaperCancelErrors(t *testing.T) {
	p := NewPaper("paper", zerolog.Nop())

	brokerID, err := p.Submit(context.Background(), testOrder("o1"))
	require.NoError(t, err)

	err = p.Cancel(context.Background(), brokerID)
	assert.ErrorIs(t, err, domain.ErrTerminal, "fully filled orders cannot be cancelled")

	err = p.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func newTestREST(t *testing.T, handler http.Handler) *REST {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r := NewREST(RESTConfig{Name: "testbroker", BaseURL: srv.URL, APIKey: "k"}, zerolog.Nop())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRESTSubmitSendsIdempotencyKey(t *testing.T) {
	var gotHeader string
	var gotBody submitRequest
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, http.MethodPost, req.Method)
		require.Equal(t, "/orders", req.URL.Path)
		gotHeader = req.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orderResponse{BrokerOrderID: "b-1", Status: "accepted"})
	}))

	brokerID, err := r.Submit(context.Background(), testOrder("o1"))
	require.NoError(t, err)
	assert.Equal(t, "b-1", brokerID)
	assert.Equal(t, "o1", gotHeader)
	assert.Equal(t, "o1", gotBody.IdempotencyKey)
	assert.Equal(t, "AAPL", gotBody.Symbol)
	assert.Equal(t, 100.0, gotBody.Qty)
}

func TestRESTSubmitRetriesServerErrors(t *testing.T) {
	calls := 0
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orderResponse{BrokerOrderID: "b-1", Status: "accepted"})
	}))
	r.retry.Base = time.Millisecond
	r.retry.Cap = 5 * time.Millisecond

	brokerID, err := r.Submit(context.Background(), testOrder("o1"))
	require.NoError(t, err)
	assert.Equal(t, "b-1", brokerID)
	assert.Equal(t, 3, calls)
}

func TestRESTSubmitDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	_, err := r.Submit(context.Background(), testOrder("o1"))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestRESTCancel(t *testing.T) {
	var gotPath string
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, http.MethodDelete, req.Method)
		gotPath = req.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, r.Cancel(context.Background(), "b-1"))
	assert.Equal(t, "/orders/b-1", gotPath)
}

func TestRESTPollMapsStatuses(t *testing.T) {
	cases := map[string]domain.BrokerEventType{
		"accepted":         domain.BrokerAck,
		"partially_filled": domain.BrokerFill,
		"filled":           domain.BrokerFill,
		"cancelled":        domain.BrokerCancelled,
		"rejected":         domain.BrokerRejected,
		"expired":          domain.BrokerExpired,
		"weird":            domain.BrokerErrored,
	}

	status := ""
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/orders/b-1", req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orderResponse{BrokerOrderID: "b-1", Status: status, FilledQty: 40, AvgFillPrice: 150.5})
	}))

	for s, want := range cases {
		status = s
		ev, err := r.Poll(context.Background(), "b-1")
		require.NoError(t, err)
		assert.Equal(t, want, ev.Type, "status %q", s)
		assert.Equal(t, 40.0, ev.Qty)
	}
}

func TestRESTPollNotFound(t *testing.T) {
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := r.Poll(context.Background(), "b-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
