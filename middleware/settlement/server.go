package settlement

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/swaggo/swag"

	"settlement-backend/core/association"
	core "settlement-backend/core/settlement"
	"settlement-backend/docs"
	"settlement-backend/services"
	"settlement-backend/storage/auth"
)

const (
	accountHeader = "X-Account"
	apiKeyHeader  = "X-API-Key"
	relayerHeader = "X-Relayer-Secret"
	defaultQRSize = 256
	maxEventLimit = 500
)

// Config holds the HTTP surface settings.
type Config struct {
	Addr string
	// Keys enables X-API-Key auth when it holds at least one key.
	Keys auth.Validator
	// RelayerSecret, when set, lets the bridge relayer post deliveries with
	// X-Relayer-Secret instead of an operator key.
	RelayerSecret string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type ctxKey struct{}

// Server exposes the settlement service over HTTP.
type Server struct {
	svc        *services.SettlementService
	cfg        Config
	router     chi.Router
	httpServer *http.Server
}

// NewServer builds the router over svc.
func NewServer(svc *services.SettlementService, cfg Config) *Server {
	if k, ok := cfg.Keys.(*auth.APIKeyStore); ok && k == nil {
		cfg.Keys = nil
	}
	s := &Server{svc: svc, cfg: cfg}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Get("/healthz", s.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Get("/api/docs/openapi.json", s.handleDocs)

	r.Group(func(r chi.Router) {
		r.Use(s.authWrap)

		r.Post("/api/tasks", s.withCaller(s.handleCreateTask))
		r.Post("/api/tasks/with-reward", s.withCaller(s.handleCreateTaskWithReward))
		r.Get("/api/tasks/{id}", s.handleGetTask)
		r.Post("/api/tasks/{id}/accept", s.withCaller(s.taskTransition(s.svc.Tasks.AcceptTask)))
		r.Post("/api/tasks/{id}/submit", s.withCaller(s.taskTransition(s.svc.Tasks.SubmitWork)))
		r.Post("/api/tasks/{id}/terminate", s.withCaller(s.taskTransition(s.svc.Tasks.RequestTerminate)))
		r.Post("/api/tasks/{id}/fix", s.withCaller(s.taskTransition(s.svc.Tasks.RequestFix)))
		r.Post("/api/tasks/{id}/complete", s.withCaller(s.handleComplete))
		r.Post("/api/tasks/{id}/cancel", s.withCaller(s.handleCancel))
		r.Get("/api/tasks/{id}/reward", s.handleRewardByTask)

		r.Post("/api/rewards", s.withCaller(s.handlePrepare))
		r.Get("/api/rewards/{id}", s.handleGetReward)
		r.Post("/api/rewards/{id}/deposit", s.withCaller(s.handleDeposit))
		r.Post("/api/rewards/{id}/lock", s.withCaller(s.handleLock))
		r.Post("/api/rewards/{id}/claim", s.withCaller(s.handleClaim))
		r.Post("/api/rewards/{id}/refund", s.withCaller(s.handleRefund))
		r.Get("/api/rewards/{id}/qr", s.handleQR)

		r.Post("/api/accounts/approve", s.withCaller(s.handleApprove))
		r.Get("/api/accounts/{account}/balances/{asset}", s.handleBalance)

		r.Get("/api/counters", s.handleCounters)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/reconcile", s.handleSweep)
	})

	// Delivery results and remediation move funds on nobody's signature.
	r.Group(func(r chi.Router) {
		r.Use(s.operatorOnly)

		r.Post("/api/deliveries", s.handleDelivery)
		r.Post("/api/reconcile", s.handleRemediate)
	})

	s.router = r
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: r}
	return s
}

// Handler returns the router for embedding in another server or a test.
func (s *Server) Handler() http.Handler { return s.router }

// Wrap replaces the served handler, typically with an outer middleware chain.
func (s *Server) Wrap(mw ...func(http.Handler) http.Handler) {
	h := http.Handler(s.router)
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	s.httpServer.Handler = h
}

// Start listens on the configured address and blocks until shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	log.Printf("settlement API listening on %s", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) keysEnabled() bool {
	return s.cfg.Keys != nil && s.cfg.Keys.Len() > 0
}

func (s *Server) authWrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.keysEnabled() {
			rec, ok := s.cfg.Keys.Get(r.Header.Get(apiKeyHeader))
			if !ok {
				Error(w, http.StatusForbidden, "invalid api key")
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, rec))
		}
		next.ServeHTTP(w, r)
	})
}

// operatorOnly admits the relayer secret or an unbound key. With neither keys
// nor a secret configured the server is in dev mode and admits everyone.
func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret := s.cfg.RelayerSecret; secret != "" {
			got := r.Header.Get(relayerHeader)
			if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		if s.keysEnabled() {
			rec, ok := s.cfg.Keys.Get(r.Header.Get(apiKeyHeader))
			if !ok {
				Error(w, http.StatusForbidden, "invalid api key")
				return
			}
			if !rec.Operator() {
				Error(w, http.StatusForbidden, "operator key required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, rec)))
			return
		}
		if s.cfg.RelayerSecret != "" {
			Error(w, http.StatusForbidden, "invalid relayer secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller string)

// withCaller resolves the acting account. A key bound to an account acts only
// as that account; the header may be omitted. Operator keys and unauthenticated
// servers take the account from the header.
func (s *Server) withCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(accountHeader))
		if rec, ok := r.Context().Value(ctxKey{}).(auth.APIKey); ok && !rec.Operator() {
			if caller != "" && caller != rec.Account {
				Error(w, http.StatusForbidden, fmt.Sprintf("api key is bound to account %s", rec.Account))
				return
			}
			caller = rec.Account
		}
		if caller == "" {
			Error(w, http.StatusUnauthorized, "missing "+accountHeader+" header")
			return
		}
		next(w, r, caller)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		Error(w, http.StatusBadRequest, fmt.Sprintf("invalid id %q", raw))
		return 0, false
	}
	return id, true
}

func badBody(w http.ResponseWriter, err error) {
	Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc(docs.SwaggerInfo.InstanceName())
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, caller string) {
	var in core.CreateTaskInput
	if err := decode(w, r, &in); err != nil {
		badBody(w, err)
		return
	}
	task, err := s.svc.Tasks.CreateTask(r.Context(), caller, in)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusCreated, task)
}

type sagaResponse struct {
	State    association.State  `json:"state"`
	History  []association.Step `json:"history"`
	Task     *core.Task         `json:"task,omitempty"`
	Plan     *core.RewardPlan   `json:"plan,omitempty"`
	Error    string             `json:"error,omitempty"`
	Code     string             `json:"code,omitempty"`
	RewardID uint64             `json:"reward_id,omitempty"`
}

func (s *Server) handleCreateTaskWithReward(w http.ResponseWriter, r *http.Request, caller string) {
	var in association.Input
	if err := decode(w, r, &in); err != nil {
		badBody(w, err)
		return
	}
	res, wf, err := s.svc.CreateTaskWithReward(r.Context(), caller, in)
	out := sagaResponse{State: wf.State(), History: wf.History(), RewardID: wf.RewardID()}
	if err != nil {
		out.Error, out.Code = err.Error(), core.Code(err)
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			log.Printf("settlement api: create task with reward: %v", err)
		}
		JSON(w, status, out)
		return
	}
	out.Task, out.Plan = &res.Task, &res.Plan
	JSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.svc.Tasks.GetTask(r.Context(), id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, task)
}

func (s *Server) taskTransition(fn func(ctx context.Context, caller string, taskID uint64) (core.Task, error)) callerHandler {
	return func(w http.ResponseWriter, r *http.Request, caller string) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		task, err := fn(r.Context(), caller, id)
		if err != nil {
			ErrorFrom(w, err)
			return
		}
		JSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, caller string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payout, err := s.svc.Tasks.ConfirmComplete(r.Context(), caller, id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, payout)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, caller string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	refund, err := s.svc.Tasks.CancelTask(r.Context(), caller, id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]uint64{"task_id": id, "refund": refund})
}

func (s *Server) handleRewardByTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rewardID, found, err := s.svc.Rewards.GetRewardByTask(r.Context(), id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	if !found {
		Error(w, http.StatusNotFound, fmt.Sprintf("task %d has no reward plan", id))
		return
	}
	plan, err := s.svc.Rewards.GetRewardPlan(r.Context(), rewardID)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, plan)
}

type prepareRequest struct {
	Asset         string `json:"asset"`
	Amount        uint64 `json:"amount"`
	TargetChainID uint64 `json:"target_chain_id"`
	Deposit       bool   `json:"deposit"`
	AttachedValue uint64 `json:"attached_value"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request, caller string) {
	var req prepareRequest
	if err := decode(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	var (
		plan core.RewardPlan
		err  error
	)
	if req.Deposit {
		plan, err = s.svc.Rewards.PrepareAndDeposit(r.Context(), caller, req.Asset, req.Amount, req.TargetChainID, req.AttachedValue)
	} else {
		plan, err = s.svc.Rewards.PreparePlan(r.Context(), caller, req.Asset, req.Amount, req.TargetChainID)
	}
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusCreated, plan)
}

func (s *Server) handleGetReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	plan, err := s.svc.Rewards.GetRewardPlan(r.Context(), id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, caller string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		AttachedValue uint64 `json:"attached_value"`
	}
	if err := decode(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	plan, err := s.svc.Rewards.Deposit(r.Context(), caller, id, req.AttachedValue)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, plan)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, caller string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		TaskID uint64 `json:"task_id"`
	}
	if err := decode(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	plan, err := s.svc.Rewards.LockForTask(r.Context(), caller, id, req.TaskID)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, plan)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, caller string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetAddress string `json:"target_address"`
	}
	if err := decode(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	receipt, err := s.svc.Rewards.ClaimToHelper(r.Context(), caller, id, req.TargetAddress)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, caller string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	plan, err := s.svc.Rewards.Refund(r.Context(), caller, id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, plan)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	plan, err := s.svc.Rewards.GetRewardPlan(r.Context(), id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	chain, err := s.svc.Rewards.Chains().Lookup(plan.TargetChainID)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	size := defaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 1024 {
			Error(w, http.StatusBadRequest, "size must be between 64 and 1024")
			return
		}
		size = n
	}
	png, err := services.ClaimQRCode(plan, chain, size)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// handleDelivery accepts relayer callbacks for transports that report over HTTP.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	var res core.DeliveryResult
	if err := decode(w, r, &res); err != nil {
		badBody(w, err)
		return
	}
	if res.RewardID == 0 || res.DispatchID == "" {
		Error(w, http.StatusBadRequest, "reward_id and dispatch_id are required")
		return
	}
	if err := s.svc.Rewards.HandleDelivery(r.Context(), res); err != nil {
		ErrorFrom(w, err)
		return
	}
	plan, err := s.svc.Rewards.GetRewardPlan(r.Context(), res.RewardID)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, plan)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, caller string) {
	var req struct {
		Asset  string `json:"asset"`
		Amount uint64 `json:"amount"`
	}
	if err := decode(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	if err := s.svc.Accounts.Approve(r.Context(), caller, req.Asset, req.Amount); err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"owner": caller, "asset": req.Asset, "allowance": req.Amount})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, asset := chi.URLParam(r, "account"), chi.URLParam(r, "asset")
	balance, err := s.svc.Accounts.Balance(r.Context(), account, asset)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	allowance, err := s.svc.Accounts.Allowance(r.Context(), account, asset)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"account":   account,
		"asset":     asset,
		"balance":   balance,
		"allowance": allowance,
	})
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Counters(r.Context())
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, c)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			Error(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = n
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be positive")
			return
		}
		limit = n
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	evts, err := s.svc.Rewards.Events(r.Context(), after, limit)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	if evts == nil {
		evts = []core.Event{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"events": evts, "count": len(evts)})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Sweeper.Sweep(r.Context())
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, rep)
}

func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Sweeper.Sweep(r.Context())
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	res, err := s.svc.Sweeper.Remediate(r.Context(), rep)
	out := map[string]interface{}{"report": rep, "remediation": res}
	if err != nil {
		out["error"] = err.Error()
		JSON(w, http.StatusMultiStatus, out)
		return
	}
	JSON(w, http.StatusOK, out)
}
