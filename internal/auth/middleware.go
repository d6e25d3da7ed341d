package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	loggerpkg "AssuredChain/pkg/logger"
)

// MiddlewareConfig 配置鉴权中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法列出所需权限，"*" 匹配其余方法。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志中的事件名，为空时使用请求路径。
	AuditEvent string
	// OnError 写出拒绝响应，默认输出纯文本状态。
	OnError func(w http.ResponseWriter, r *http.Request, status int, err error)
}

func (c MiddlewareConfig) required(method string) []string {
	if perms, ok := c.RequiredPermissions[method]; ok && len(perms) > 0 {
		return perms
	}
	return c.RequiredPermissions["*"]
}

func (c MiddlewareConfig) deny(w http.ResponseWriter, r *http.Request, status int, err error) {
	if c.OnError != nil {
		c.OnError(w, r, status, err)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// Middleware 校验 Bearer 令牌与路由权限，并为每个放行的请求写一条审计日志。
// 鉴权关闭时直接放行，上下文中没有主体。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, status, err := s.admit(r, cfg.required(r.Method))
			if err != nil {
				cfg.deny(w, r, status, err)
				s.auditRequest(r.Context(), slog.LevelWarn, "access_denied", r, status, subject,
					slog.String("error", err.Error()))
				return
			}

			start := time.Now()
			rec := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditRequest(r.Context(), slog.LevelInfo, "api_request", r, rec.status, subject,
				slog.String("event", event),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

// admit 认证请求并检查权限，失败时返回应写出的状态码。
func (s *Service) admit(r *http.Request, perms []string) (*Subject, int, error) {
	subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		if errors.Is(err, ErrSubjectRevoked) {
			return nil, http.StatusForbidden, err
		}
		return nil, http.StatusUnauthorized, err
	}
	if err := subject.Authorize(perms...); err != nil {
		return subject, http.StatusForbidden, err
	}
	return subject, http.StatusOK, nil
}

func (s *Service) auditRequest(ctx context.Context, level slog.Level, msg string, r *http.Request, status int, subject *Subject, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
	}
	if subject != nil {
		attrs = append(attrs, slog.String("user", subject.Name))
	}
	s.auditLogger().LogAttrs(ctx, level, msg, append(attrs, extra...)...)
}

func (s *Service) auditLogger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
