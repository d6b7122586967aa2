// Package api exposes the engine over HTTP: venue and trader queries, the
// position lifecycle, collateral movements, the owner's admin surface, and a
// WebSocket event firehose.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"RiskGate/internal/gateway"
	"RiskGate/internal/ledger"
	"RiskGate/internal/observability"
	"RiskGate/internal/position"
	"RiskGate/internal/query"
	"RiskGate/internal/risk"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server wires the HTTP routes to the engine components.
type Server struct {
	addr       string
	owner      uuid.UUID
	ownerKey   string
	ledger     *ledger.Ledger
	controller *position.Controller
	gateway    *gateway.Gateway
	queries    *query.Service
	hub        *WSHub
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func NewServer(
	addr string,
	owner uuid.UUID,
	ownerKey string,
	l *ledger.Ledger,
	c *position.Controller,
	g *gateway.Gateway,
	queries *query.Service,
	hub *WSHub,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		addr:       addr,
		owner:      owner,
		ownerKey:   ownerKey,
		ledger:     l,
		controller: c,
		gateway:    g,
		queries:    queries,
		hub:        hub,
		health:     health,
		metrics:    metrics,
		log:        log,
	}
}

// Router builds the mux router with all routes registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.health.ReadinessHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.instrument)

	v1.HandleFunc("/venues/{venue}", s.handleVenue).Methods(http.MethodGet)
	v1.HandleFunc("/venues/{venue}/gateway", s.handleGatewayState).Methods(http.MethodGet)
	v1.HandleFunc("/traders/{trader}/positions", s.handleTraderPositions).Methods(http.MethodGet)
	v1.HandleFunc("/traders/{trader}/balances/{asset}", s.handleBalances).Methods(http.MethodGet)

	if s.queries != nil {
		v1.HandleFunc("/venues/{venue}/events", s.handleVenueEvents).Methods(http.MethodGet)
		v1.HandleFunc("/traders/{trader}/events", s.handleTraderEvents).Methods(http.MethodGet)
	}

	v1.HandleFunc("/positions", s.handleOpenPosition).Methods(http.MethodPost)
	v1.HandleFunc("/positions/{id}", s.handlePosition).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods(http.MethodPost)
	v1.HandleFunc("/positions/{id}/health", s.handlePositionHealth).Methods(http.MethodGet)

	v1.HandleFunc("/collateral/deposit", s.handleDeposit).Methods(http.MethodPost)
	v1.HandleFunc("/collateral/withdraw", s.handleWithdraw).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireOwnerKey)
	admin.HandleFunc("/caps/global", s.handleSetGlobalCap).Methods(http.MethodPost)
	admin.HandleFunc("/venues/{venue}/cap", s.handleSetVenueCap).Methods(http.MethodPost)
	admin.HandleFunc("/venues/{venue}/leverage-cap", s.handleSetLeverageCap).Methods(http.MethodPost)
	admin.HandleFunc("/venues/{venue}/pause", s.handleVenuePause).Methods(http.MethodPost)
	admin.HandleFunc("/pause", s.handleEmergencyPause).Methods(http.MethodPost)
	admin.HandleFunc("/controllers", s.handleControllers).Methods(http.MethodPost)

	if s.hub != nil {
		r.HandleFunc("/api/v1/ws", s.hub.HandleWS)
	}

	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Middleware ---

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.APIRequests.WithLabelValues(route, http.StatusText(rec.status)).Inc()
		s.metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requireOwnerKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Owner-Key")
		if s.ownerKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.ownerKey)) != 1 {
			writeError(w, risk.New(risk.KindUnauthorizedCaller, "invalid owner key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Encoding helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Bound  *int64 `json:"bound,omitempty"`
}

// writeError maps the rejection taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	kind := risk.KindOf(err)
	body := errorBody{Kind: kind.String(), Reason: risk.ReasonOf(err)}
	if re, ok := err.(*risk.Error); ok && re.HasBound {
		b := re.Bound
		body.Bound = &b
	}

	status := http.StatusInternalServerError
	switch kind {
	case risk.KindUnauthorizedCaller:
		status = http.StatusForbidden
	case risk.KindPositionNotFound:
		status = http.StatusNotFound
	case risk.KindCapExceededGlobal, risk.KindCapExceededVenue,
		risk.KindInsufficientCollateral, risk.KindExcessiveLeverage,
		risk.KindZeroCollateral, risk.KindUtilizationExceeded,
		risk.KindCrossVenueExposureExceeded:
		status = http.StatusUnprocessableEntity
	case risk.KindConsensusRejected, risk.KindVenuePaused, risk.KindEmergencyPaused:
		status = http.StatusConflict
	case risk.KindOracleTimeout:
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, body)
}

func parseTrader(r *http.Request, field string) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)[field])
}

// --- Query handlers ---

func (s *Server) handleVenue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Venue(mux.Vars(r)["venue"]))
}

func (s *Server) handleGatewayState(w http.ResponseWriter, r *http.Request) {
	venue := mux.Vars(r)["venue"]
	writeJSON(w, http.StatusOK, map[string]string{
		"venue": venue,
		"state": s.gateway.VenueState(venue).String(),
	})
}

func (s *Server) handleTraderPositions(w http.ResponseWriter, r *http.Request) {
	trader, err := parseTrader(r, "trader")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "invalid trader id"})
		return
	}
	positions := s.ledger.TraderPositions(trader)
	if positions == nil {
		positions = []ledger.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	trader, err := parseTrader(r, "trader")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "invalid trader id"})
		return
	}
	entry := s.ledger.Balances(trader, mux.Vars(r)["asset"])
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collateral": entry.Collateral,
		"borrowed":   entry.Borrowed,
		"backing":    entry.Backing,
		"positions":  entry.Positions,
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Position(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleVenueEvents(w http.ResponseWriter, r *http.Request) {
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := s.queries.VenueEvents(r.Context(), mux.Vars(r)["venue"], afterSeq, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTraderEvents(w http.ResponseWriter, r *http.Request) {
	trader, err := parseTrader(r, "trader")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "invalid trader id"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := s.queries.TraderEvents(r.Context(), trader, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// --- Lifecycle handlers ---

type openPositionRequest struct {
	Venue            string `json:"venue"`
	Trader           string `json:"trader"`
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount int64  `json:"collateral_amount"`
	BorrowAsset      string `json:"borrow_asset"`
	BorrowAmount     int64  `json:"borrow_amount"`
	LeverageRatio    int64  `json:"leverage_ratio"`
	IsLong           bool   `json:"is_long"`
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "invalid trader id"})
		return
	}

	id, err := s.controller.OpenPosition(r.Context(), position.OpenRequest{
		Venue:            req.Venue,
		Trader:           trader,
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: req.CollateralAmount,
		BorrowAsset:      req.BorrowAsset,
		BorrowAmount:     req.BorrowAmount,
		LeverageRatio:    req.LeverageRatio,
		IsLong:           req.IsLong,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"position_id": id})
}

type closePositionRequest struct {
	Venue  string `json:"venue"`
	Trader string `json:"trader"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "invalid trader id"})
		return
	}

	res, err := s.controller.ClosePosition(r.Context(), trader, mux.Vars(r)["id"], req.Venue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"pnl":                 res.PnL,
		"funding_paid":        res.FundingPaid,
		"collateral_returned": res.CollateralReturned,
	})
}

func (s *Server) handlePositionHealth(w http.ResponseWriter, r *http.Request) {
	healthy, factor, err := s.controller.CheckPositionHealth(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":           healthy,
		"health_factor_bps": factor,
	})
}

// --- Collateral handlers ---

type collateralRequest struct {
	Trader string `json:"trader"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleCollateral(w, r, s.ledger.DepositCollateral)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleCollateral(w, r, s.ledger.WithdrawCollateral)
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request, op func(uuid.UUID, string, int64) error) {
	var req collateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "invalid trader id"})
		return
	}
	if err := op(trader, req.Asset, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Admin handlers ---

type capRequest struct {
	Asset string `json:"asset"`
	Cap   int64  `json:"cap"`
}

func (s *Server) handleSetGlobalCap(w http.ResponseWriter, r *http.Request) {
	var req capRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	if err := s.ledger.SetGlobalCap(s.owner, req.Asset, req.Cap); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetVenueCap(w http.ResponseWriter, r *http.Request) {
	var req capRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	if err := s.ledger.SetVenueCap(s.owner, mux.Vars(r)["venue"], req.Asset, req.Cap); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetLeverageCap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cap int64 `json:"cap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	if err := s.ledger.SetVenueLeverageCap(s.owner, mux.Vars(r)["venue"], req.Cap); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVenuePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool   `json:"paused"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	if err := s.ledger.SetVenuePaused(s.owner, mux.Vars(r)["venue"], req.Paused, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEmergencyPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	s.controller.SetEmergencyPause(req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Controller string `json:"controller"`
		Authorize  bool   `json:"authorize"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "malformed body"})
		return
	}
	id, err := uuid.Parse(req.Controller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "BadRequest", Reason: "invalid controller id"})
		return
	}

	if req.Authorize {
		err = s.ledger.AuthorizeController(s.owner, id)
	} else {
		err = s.ledger.DeauthorizeController(s.owner, id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
