package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"AssuredChain/internal/anchor"
	"AssuredChain/internal/auth"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/ledger"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/observability/metrics"
	"AssuredChain/internal/report"
	"AssuredChain/internal/snapshot"
	"AssuredChain/internal/web3"
	"AssuredChain/pkg/logger"
)

const apiPrefix = "/api/v1"

// Dependencies 汇总 API 需要的服务，Ledger、Chain 与 Auth 可以为空。
type Dependencies struct {
	Projects  *manifest.FileStore
	Snapshots *snapshot.Service
	Reports   *report.Service
	Anchors   *anchor.Service
	Verifier  *anchor.Verifier
	Ledger    ledger.Repository
	Chain     web3.Anchorer
	Auth      *auth.Service
}

// Option 定制 Server。
type Option func(*Server)

// WithMaxUploadMB 限制单次上传请求体大小。
func WithMaxUploadMB(mb int) Option {
	return func(s *Server) {
		if mb > 0 {
			s.maxUpload = int64(mb) << 20
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr      string
	deps      Dependencies
	maxUpload int64
	logger    *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		deps:      deps,
		maxUpload: 64 << 20,
		logger:    logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.instrument("/healthz", http.HandlerFunc(s.handleHealth)))

	s.route(mux, http.MethodGet, "/projects", auth.PermRead, s.handleListProjects)
	s.route(mux, http.MethodPost, "/projects", auth.PermWrite, s.handleCreateProject)
	s.route(mux, http.MethodGet, "/projects/{id}", auth.PermRead, s.handleGetProject)
	s.route(mux, http.MethodPatch, "/projects/{id}/meta", auth.PermWrite, s.handleUpdateMeta)
	s.route(mux, http.MethodPost, "/projects/{id}/snapshots", auth.PermWrite, s.handleSaveSnapshot)
	s.route(mux, http.MethodGet, "/projects/{id}/snapshots/{step}/latest", auth.PermRead, s.handleLatestSnapshot)
	s.route(mux, http.MethodPost, "/projects/{id}/uploads", auth.PermWrite, s.handleUpload)
	s.route(mux, http.MethodPost, "/projects/{id}/reports", auth.PermWrite, s.handleRenderReport)
	s.route(mux, http.MethodPost, "/projects/{id}/binder", auth.PermWrite, s.handleBinder)
	s.route(mux, http.MethodPost, "/projects/{id}/bundle", auth.PermWrite, s.handleBundle)
	s.route(mux, http.MethodPost, "/projects/{id}/summary", auth.PermWrite, s.handleSummary)
	s.route(mux, http.MethodPost, "/projects/{id}/workbook", auth.PermWrite, s.handleWorkbook)
	s.route(mux, http.MethodPost, "/projects/{id}/certificate", auth.PermWrite, s.handleCertificate)
	s.route(mux, http.MethodPost, "/projects/{id}/repair", auth.PermWrite, s.handleRepair)
	s.route(mux, http.MethodGet, "/projects/{id}/progress", auth.PermRead, s.handleProgress)

	s.route(mux, http.MethodGet, "/protocol/steps", auth.PermRead, s.handleSteps)
	s.route(mux, http.MethodPost, "/protocol/readiness", auth.PermRead, s.handleReadiness)

	s.route(mux, http.MethodPost, "/anchors", auth.PermAnchor, s.handleSubmitAnchor)
	s.route(mux, http.MethodGet, "/anchors", auth.PermRead, s.handleListAnchors)
	s.route(mux, http.MethodGet, "/anchors/stats", auth.PermRead, s.handleAnchorStats)
	s.route(mux, http.MethodGet, "/anchors/{id}", auth.PermRead, s.handleGetAnchor)
	s.route(mux, http.MethodGet, "/ledger", auth.PermRead, s.handleLedger)
	s.route(mux, http.MethodGet, "/ledger/onchain", auth.PermRead, s.handleOnChain)
	s.route(mux, http.MethodGet, "/verify/{digest}", auth.PermRead, s.handleVerify)
	return mux
}

// route 注册带鉴权与指标的路由，pattern 不含 /api/v1 前缀。
func (s *Server) route(mux *http.ServeMux, method, pattern, perm string, h http.HandlerFunc) {
	guard := s.deps.Auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {perm}},
		AuditEvent:          method + " " + pattern,
		OnError: func(w http.ResponseWriter, _ *http.Request, status int, err error) {
			writeJSON(w, status, errorBody{Error: errorDetail{Code: string(xerrors.CodeUnauthorized), Message: err.Error()}})
		},
	})
	mux.Handle(method+" "+apiPrefix+pattern, s.instrument(apiPrefix+pattern, guard(h)))
}

// instrument 记录每个路由的请求数与耗时。
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"chain":  s.deps.Chain != nil,
		"time":   time.Now().Unix(),
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

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 根据错误码选择 HTTP 状态。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		detail.Message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", detail.Code),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// decodeJSON 解析请求体，空请求体视为零值。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
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
