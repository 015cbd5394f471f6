package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"campusmint/internal/chain"
	"campusmint/internal/config"
	"campusmint/internal/hmacauth"
	"campusmint/internal/issuance"
	"campusmint/internal/record"
	"campusmint/internal/units"
)

type pinger interface {
	Ping(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	svc        *issuance.Service
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	router     *mux.Router
	metrics    *metricsRegistry
	log        logrus.FieldLogger
	dbHealthFn func(context.Context) error
	rpcChecks  map[string]func(context.Context) error
}

func NewServer(cfg *config.AppConfig, svc *issuance.Service, store record.Recorder) *Server {
	logger := logrus.StandardLogger().WithField("component", "http")
	metrics := newMetricsRegistry()

	s := &Server{
		cfg: cfg,
		svc: svc,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.AdminSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Log:     logger,
		},
		metrics:   metrics,
		log:       logger,
		rpcChecks: map[string]func(context.Context) error{},
	}

	if checker, ok := store.(pinger); ok {
		s.dbHealthFn = checker.Ping
	}
	badges, coins := svc.BadgeGateway(), svc.CoinGateway()
	if checker, ok := badges.(pinger); ok {
		s.rpcChecks["badge"] = checker.Ping
	}
	if checker, ok := coins.(pinger); ok {
		s.rpcChecks["coin"] = checker.Ping
	}
	metrics.setMode("badge", string(badges.Mode()), badges.Network())
	metrics.setMode("coin", string(coins.Mode()), coins.Network())

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(requestIDMiddleware, s.accessLog)

	signed := func(h http.HandlerFunc) http.Handler { return s.hmac.Middleware(h) }

	api.Handle("/enrollments", signed(s.handleEnrollment)).Methods(http.MethodPost)

	api.HandleFunc("/badges/status", s.handleBadgeStatus).Methods(http.MethodGet)
	api.HandleFunc("/badges", s.handleListBadges).Methods(http.MethodGet)
	api.Handle("/badges/mint", signed(s.handleMintBadge)).Methods(http.MethodPost)
	api.HandleFunc("/badges/{tokenId:[0-9]+}", s.handleGetBadge).Methods(http.MethodGet)

	api.HandleFunc("/coin/status", s.handleCoinStatus).Methods(http.MethodGet)
	api.HandleFunc("/coin/balance/{address}", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/coin/total-supply", s.handleTotalSupply).Methods(http.MethodGet)
	api.Handle("/coin/mint", signed(s.handleCoinMint)).Methods(http.MethodPost)
	api.Handle("/coin/transfer", signed(s.handleCoinTransfer)).Methods(http.MethodPost)
	api.Handle("/coin/transactions", signed(s.handleTransactions)).Methods(http.MethodGet)

	api.Handle("/metrics", metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error  string      `json:"error"`
	Detail interface{} `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, units.ErrInvalidAddress),
		errors.Is(err, units.ErrInvalidAmount),
		errors.Is(err, issuance.ErrInvalidEvent),
		errors.Is(err, issuance.ErrInvalidAchievement),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, chain.ErrInsufficientBalance),
		errors.Is(err, record.ErrDuplicateBadge):
		return http.StatusConflict
	case errors.Is(err, chain.ErrChainRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chain.ErrChainUnavailable),
		errors.Is(err, chain.ErrIssuanceUnconfirmed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", errBadRequest, msg)
}

// maxRequestBody caps JSON payloads whether or not HMAC verification ran.
const maxRequestBody = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return badRequest("invalid json payload")
	}
	return nil
}

func (s *Server) handleEnrollment(w http.ResponseWriter, r *http.Request) {
	var payload issuance.Enrollment
	if err := decode(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.svc.OnEnroll(r.Context(), payload)
	s.metrics.incEnrollment(string(res.Outcome))
	if res.Outcome == issuance.OutcomeMinted && err == nil {
		switch {
		case res.Reward != nil:
			s.metrics.incReward("paid")
		case res.RewardError != "":
			s.metrics.incReward("failed")
		default:
			s.metrics.incReward("disabled")
		}
	}
	s.writeIssue(w, res, err)
}

func (s *Server) handleMintBadge(w http.ResponseWriter, r *http.Request) {
	var payload issuance.BadgeRequest
	if err := decode(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.IssueBadge(r.Context(), payload)
	s.metrics.incBadgeIssue(string(res.Outcome))
	s.writeIssue(w, res, err)
}

// writeIssue renders an issuance result. A badge minted but not recorded is
// still returned to the caller alongside the error.
func (s *Server) writeIssue(w http.ResponseWriter, res issuance.EnrollResult, err error) {
	if err != nil {
		if res.Badge != nil {
			writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Detail: res})
			return
		}
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == issuance.OutcomeMinted {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleBadgeStatus(w http.ResponseWriter, r *http.Request) {
	g := s.svc.BadgeGateway()
	total, err := g.TotalMinted(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":        g.Mode(),
		"mock":        g.Mode() == chain.ModeMock,
		"network":     g.Network(),
		"totalMinted": total,
	})
}

func (s *Server) handleListBadges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := record.BadgeFilter{Wallet: strings.TrimSpace(q.Get("wallet"))}
	if v := q.Get("eventId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, badRequest("eventId must be a positive integer"))
			return
		}
		filter.EventID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	badges, err := s.svc.Badges(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"badges": badges, "count": len(badges)})
}

func (s *Server) handleGetBadge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["tokenId"], 10, 64)
	if err != nil {
		writeError(w, badRequest("tokenId must be an unsigned integer"))
		return
	}
	badge, err := s.svc.Badge(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, badge)
}

func (s *Server) handleCoinStatus(w http.ResponseWriter, _ *http.Request) {
	g := s.svc.CoinGateway()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":           g.Mode(),
		"mock":           g.Mode() == chain.ModeMock,
		"network":        g.Network(),
		"symbol":         s.svc.Symbol(),
		"decimals":       s.svc.Decimals(),
		"tokenAddress":   s.cfg.Chain.CoinContract,
		"issuer":         g.Issuer().Hex(),
		"storeWallet":    s.cfg.Reward.SourceWallet,
		"rewardsEnabled": s.svc.RewardsEnabled(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.svc.Balance(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleTotalSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.svc.Supply(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, supply)
}

type coinRequest struct {
	From   string        `json:"from"`
	To     string        `json:"to"`
	Amount units.Decimal `json:"amount"`
}

func (s *Server) handleCoinMint(w http.ResponseWriter, r *http.Request) {
	var payload coinRequest
	if err := decode(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.From != "" {
		writeError(w, badRequest("mint does not take a from address"))
		return
	}
	res, err := s.svc.MintCoins(r.Context(), payload.To, payload.Amount.String())
	s.writeCoin(w, "mint", res, err)
}

func (s *Server) handleCoinTransfer(w http.ResponseWriter, r *http.Request) {
	var payload coinRequest
	if err := decode(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.TransferCoins(r.Context(), payload.From, payload.To, payload.Amount.String())
	s.writeCoin(w, "transfer", res, err)
}

func (s *Server) writeCoin(w http.ResponseWriter, op string, res issuance.CoinResult, err error) {
	if err != nil {
		s.metrics.incCoinOp(op, "failed")
		writeError(w, err)
		return
	}
	s.metrics.incCoinOp(op, "ok")
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	txs, err := s.svc.Transactions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs, "count": len(txs)})
}

type rpcHealth struct {
	Mode      string  `json:"mode"`
	Network   string  `json:"network"`
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	gateways := map[string]interface {
		Mode() chain.Mode
		Network() string
	}{
		"badge": s.svc.BadgeGateway(),
		"coin":  s.svc.CoinGateway(),
	}
	rpc := make(map[string]rpcHealth, len(gateways))
	for name, g := range gateways {
		info := rpcHealth{Mode: string(g.Mode()), Network: g.Network(), Connected: true}
		if check, ok := s.rpcChecks[name]; ok {
			start := time.Now()
			rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := check(rpcCtx)
			cancel()
			if err != nil {
				info.Connected = false
				info.Error = err.Error()
				overallHealthy = false
			} else {
				info.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
			}
		}
		rpc[name] = info
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string               `json:"status"`
		RPC      map[string]rpcHealth `json:"rpc"`
		Database interface{}          `json:"database"`
	}{
		Status:   status,
		RPC:      rpc,
		Database: dbInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

const requestIDHeader = "X-Request-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
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

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"request_id": r.Header.Get(requestIDHeader),
			"duration":   time.Since(start).String(),
		}).Debug("request")
	})
}
