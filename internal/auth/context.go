package auth

import "context"

type subjectKey struct{}

// WithSubject 把认证主体放入上下文，nil 时原样返回 ctx。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject.copy())
}

// SubjectFromContext 返回请求的认证主体，鉴权关闭时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// Actor 返回写入清单审计的操作者，未认证时为空字符串。
func Actor(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil {
		return subject.Name
	}
	return ""
}
