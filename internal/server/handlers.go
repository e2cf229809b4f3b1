package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openquant/tradecore/internal/dispatch"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/risk"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupportedTimeframe):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrLimitBreach), errors.Is(err, domain.ErrRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTerminal):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrUpstream):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// handleGetBars handles GET /api/bars?symbol=&timeframe=&from=&to=
func (s *Server) handleGetBars(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	tf := domain.Timeframe(r.URL.Query().Get("timeframe"))
	from, err1 := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	to, err2 := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if symbol == "" || err1 != nil || err2 != nil {
		s.writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "symbol, timeframe, from and to (RFC3339) are required"})
		return
	}

	res, err := s.hub.Get(r.Context(), symbol, tf, domain.BarRange{From: from, To: to})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bars":     res.Bars,
		"has_gaps": res.HasGaps,
	})
}

// handleListPredictors handles GET /api/predictors
func (s *Server) handleListPredictors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// handleGetPredictor handles GET /api/predictors/{id}
func (s *Server) handleGetPredictor(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

// handleCreatePredictor handles POST /api/predictors
func (s *Server) handleCreatePredictor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind       domain.PredictorKind `json:"kind"`
		Features   []string             `json:"features"`
		InputShape []int                `json:"input_shape"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	artifact, err := s.registry.Create(req.Kind, req.Features, req.InputShape)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, artifact)
}

// handlePredict handles POST /api/predict
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if !s.decode(w, r, &req) {
		return
	}
	signal, err := s.dispatcher.Predict(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, signal)
}

// handleListSignals handles GET /api/signals?symbol=&limit=
func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	signals, err := s.signals.ListBySymbol(symbol, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, signals)
}

// riskCheckRequest is the POST /api/risk/check payload.
type riskCheckRequest struct {
	Order        domain.Order `json:"order"`
	Price        float64      `json:"price"`
	PortfolioVaR float64      `json:"portfolio_var"`
}

// handleRiskCheck handles POST /api/risk/check. A limit breach is a valid
// outcome, reported with allowed=false rather than an error status.
func (s *Server) handleRiskCheck(w http.ResponseWriter, r *http.Request) {
	var req riskCheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	pf, err := s.portfolios.Get(req.Order.PortfolioID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	err = s.risk.Check(pf, risk.Proposal{Order: req.Order, Price: req.Price, PortfolioVaR: req.PortfolioVaR})
	if err == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"allowed": true})
		return
	}
	var rejection *domain.RejectionError
	if errors.As(err, &rejection) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"allowed": false,
			"reason":  rejection.Reason,
			"detail":  rejection.Detail,
		})
		return
	}
	s.writeError(w, err)
}

// handleStress handles POST /api/risk/stress
func (s *Server) handleStress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PortfolioID string                `json:"portfolio_id"`
		Scenario    domain.StressScenario `json:"scenario"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	pf, err := s.portfolios.Get(req.PortfolioID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.risk.Stress(pf, req.Scenario))
}

// handleListLimits handles GET /api/risk/limits?portfolio_id=
func (s *Server) handleListLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.limits.List(r.URL.Query().Get("portfolio_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, limits)
}

// handleSetLimit handles POST /api/risk/limits
func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var limit domain.RiskLimit
	if !s.decode(w, r, &limit) {
		return
	}
	saved, err := s.limits.Set(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

// submitOrderRequest is the POST /api/orders payload.
type submitOrderRequest struct {
	Order        domain.Order `json:"order"`
	Price        float64      `json:"price"`
	PortfolioVaR float64      `json:"portfolio_var"`
}

// handleSubmitOrder handles POST /api/orders. Market and limit orders go
// straight to the engine; sliced strategies go through the execution runner.
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if !s.decode(w, r, &req) {
		return
	}

	var (
		order domain.Order
		err   error
	)
	switch req.Order.Strategy {
	case domain.StrategyMarket, domain.StrategyLimit, "":
		if req.Order.Strategy == "" {
			req.Order.Strategy = domain.StrategyMarket
		}
		order, err = s.orders.Submit(r.Context(), req.Order, req.Price, req.PortfolioVaR)
	default:
		order, err = s.runner.Start(r.Context(), req.Order, req.Price, req.PortfolioVaR)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if order.Status == domain.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, order)
}

// handleGetOrder handles GET /api/orders/{id}
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, fills, err := s.orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"order": order,
		"fills": fills,
	})
}

// handleCancelOrder handles DELETE /api/orders/{id}. The runner handles both
// strategy parents and plain orders.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleCreatePortfolio handles POST /api/portfolios
func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var pf domain.Portfolio
	if !s.decode(w, r, &pf) {
		return
	}
	if err := s.portfolios.Create(pf); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.portfolios.Get(pf.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleGetPortfolio handles GET /api/portfolios/{id}
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.portfolios.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pf)
}

// handleVerifyAudit handles GET /api/audit/verify
func (s *Server) handleVerifyAudit(w http.ResponseWriter, _ *http.Request) {
	if err := s.auditor.VerifyAll(); err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"intact": false,
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"intact": true})
}

// handleAuditStream handles GET /api/audit/stream?name=
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	records, err := s.auditor.Stream(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
