package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/verkhohliad/chaos-oracle/internal/agent"
	"github.com/verkhohliad/chaos-oracle/internal/observability/metrics"
	"github.com/verkhohliad/chaos-oracle/internal/storage/mysql"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// StatusSource 返回循环的运行状态，由 agent.Worker 与 agent.Verifier 实现。
type StatusSource interface {
	Status(ctx context.Context) agent.Status
}

// StatusResponse 是 /status 的响应体。
type StatusResponse struct {
	Agent             agent.Status         `json:"agent"`
	RecentSubmissions []mysql.JournalEntry `json:"recent_submissions"`
	JournalError      string               `json:"journal_error,omitempty"`
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithJournal 让 /status 附带最近的提交记录。
func WithJournal(journal mysql.JournalRepository) Option {
	return func(s *Server) {
		s.journal = journal
	}
}

// WithMetrics 挂载 /metrics 并记录每个请求的指标。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = recorder
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server 负责暴露运维接口。
type Server struct {
	addr    string
	status  StatusSource
	journal mysql.JournalRepository
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, status StatusSource, opts ...Option) *Server {
	s := &Server{addr: addr, status: status, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("运维接口已启动", slog.String("addr", s.addr))

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

// handleHealth 在轮询循环运行时返回 200，否则返回 503。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not initialised"})
		return
	}
	status := s.status.Status(r.Context())
	if !status.Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "role": string(status.Role)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	resp := StatusResponse{
		Agent:             s.status.Status(r.Context()),
		RecentSubmissions: []mysql.JournalEntry{},
	}
	if s.journal != nil {
		entries, err := s.journal.ListLatest(r.Context(), limit)
		if err != nil {
			s.logger.Warn("查询提交记录失败", slog.Any("error", err))
			resp.JournalError = err.Error()
		} else {
			resp.RecentSubmissions = entries
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// observe 按路由模板记录请求指标。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
