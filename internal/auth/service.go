package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Service 校验 API 请求携带的 bearer token。
type Service struct {
	mode Mode
	keys []apiKey
}

type apiKey struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 根据配置构造认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	switch mode {
	case "", ModeDisabled:
		return &Service{mode: ModeDisabled}, nil
	case ModeAPIKey:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	s := &Service{mode: ModeAPIKey}
	for i, key := range cfg.Keys {
		token := strings.TrimSpace(key.Token)
		if token == "" {
			return nil, fmt.Errorf("api key %d (%s) 未配置 token", i, key.Name)
		}
		name := key.Name
		if name == "" {
			name = fmt.Sprintf("key-%d", i)
		}
		s.keys = append(s.keys, apiKey{
			digest:  sha256.Sum256([]byte(token)),
			subject: newSubject(name, key.Permissions),
		})
	}
	if len(s.keys) == 0 {
		return nil, fmt.Errorf("api_key 模式至少需要一个 key")
	}
	return s, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, nil
	}
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *Subject
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], key.digest[:]) == 1 {
			matched = key.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}

type subjectKey struct{}

// WithSubject 将经过身份验证的调用方存储到上下文中。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中提取调用方。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}
