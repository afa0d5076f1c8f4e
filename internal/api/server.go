package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/ledger"
	"OpenLP-Agent/internal/transaction"
	"OpenLP-Agent/pkg/logger"
)

// AgentRegistry 提供已注册智能体的状态机。
type AgentRegistry interface {
	Agents() []string
	Machine(agentID string) (*agent.Machine, bool)
}

// TransactionHistory 提供执行器的内存历史与队列统计。
type TransactionHistory interface {
	GetAgentTransactionHistory(agentID string) []transaction.Request
	Stats() (queued, inFlight int)
}

// Journal 提供持久化的交易流水。
type Journal interface {
	ListTransactions(ctx context.Context, agentID string, limit int) ([]transaction.Request, error)
}

// ReturnsCalculator 计算智能体收益。
type ReturnsCalculator interface {
	CalculateReturns(agentID string) (ledger.Returns, error)
}

// HTTPObserver 记录请求指标。
type HTTPObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// HealthCheck 检查一个依赖是否可用。
type HealthCheck func(ctx context.Context) error

// Deps 汇总路由所需的依赖，Journal、Metrics、Observer 与 Token 可以为空。
type Deps struct {
	Agents       AgentRegistry
	Transactions TransactionHistory
	Journal      Journal
	Returns      ReturnsCalculator
	Checks       map[string]HealthCheck
	Metrics      http.Handler
	Observer     HTTPObserver
	// Token 非空时 /api/v1 需要携带 Bearer 令牌。
	Token string
}

const (
	defaultListLimit = 20
	maxListLimit     = 500
	checkTimeout     = 2 * time.Second
)

// NewRouter 构建只读运维路由。
func NewRouter(deps Deps) http.Handler {
	h := &handlers{deps: deps, log: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(h.instrument)

	r.Get("/healthz", h.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Route("/api/v1/agents", func(ar chi.Router) {
		ar.Use(requireToken(deps.Token))
		ar.Get("/", h.listAgents)
		ar.Get("/{id}", h.getAgent)
		ar.Get("/{id}/transactions", h.listTransactions)
		ar.Get("/{id}/returns", h.getReturns)
	})
	return r
}

// Server 负责托管运维 HTTP 接口。
type Server struct {
	addr    string
	handler http.Handler
}

// NewServer 构造服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, handler: NewRouter(deps)}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("运维接口已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type handlers struct {
	deps Deps
	log  *slog.Logger
}

type agentView struct {
	agent.Status
	RecoveryAttempts int                    `json:"recovery_attempts"`
	StateHistory     []agent.StateChange    `json:"state_history,omitempty"`
	RiskHistory      []agent.RiskAssessment `json:"risk_history,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	checks := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.deps.Checks[name](ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			h.log.Warn("依赖检查失败", slog.String("check", name), slog.Any("error", err))
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if h.deps.Transactions != nil {
		queued, inFlight := h.deps.Transactions.Stats()
		body["queue"] = map[string]int{"queued": queued, "in_flight": inFlight}
	}
	status := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (h *handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	ids := h.deps.Agents.Agents()
	sort.Strings(ids)
	out := make([]agent.Status, 0, len(ids))
	for _, id := range ids {
		if m, ok := h.deps.Agents.Machine(id); ok {
			out = append(out, m.Status())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := h.deps.Agents.Machine(id)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "agent "+id+" not registered"))
		return
	}
	writeJSON(w, http.StatusOK, agentView{
		Status:           m.Status(),
		RecoveryAttempts: m.RecoveryAttempts(),
		StateHistory:     m.StateHistory(),
		RiskHistory:      m.RiskHistory(),
	})
}

func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.deps.Agents.Machine(id); !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "agent "+id+" not registered"))
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))

	if h.deps.Journal != nil {
		list, err := h.deps.Journal.ListTransactions(r.Context(), id, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	var list []transaction.Request
	if h.deps.Transactions != nil {
		list = h.deps.Transactions.GetAgentTransactionHistory(id)
	}
	// 内存历史按时间正序，返回最近 limit 条，最新在前。
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]transaction.Request, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getReturns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.deps.Returns == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "returns are not tracked"))
		return
	}
	returns, err := h.deps.Returns.CalculateReturns(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, returns)
}

// instrument 记录请求日志与指标，按路由模板聚合。
func (h *handlers) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		if h.deps.Observer != nil {
			h.deps.Observer.ObserveHTTPRequest(pattern, r.Method, status, elapsed)
		}
		h.log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func parseLimit(raw string) int {
	limit := defaultListLimit
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: msg})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
