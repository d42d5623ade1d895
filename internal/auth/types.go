package auth

import (
	"fmt"
	"strings"

	xerrors "AgentProof-Chain/internal/errors"
)

const (
	CodeMissingToken     xerrors.Code = "AUTH_MISSING_TOKEN"
	CodeInvalidToken     xerrors.Code = "AUTH_INVALID_TOKEN"
	CodePermissionDenied xerrors.Code = "AUTH_PERMISSION_DENIED"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeMissingToken, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeInvalidToken, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeMissingToken, xerrors.Attributes{Message: "missing bearer token", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidToken, xerrors.Attributes{Message: "invalid token", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

// Permissions understood by the API.
const (
	PermProofsWrite = "proofs:write"
	PermProofsRead  = "proofs:read"
	PermChainRead   = "chain:read"
)

// Subject is the caller bound to an API key.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func newSubject(name string, permissions []string) *Subject {
	s := &Subject{Name: name, permissionsSet: make(map[string]struct{}, len(permissions))}
	for _, perm := range permissions {
		perm = strings.ToLower(strings.TrimSpace(perm))
		if perm == "" {
			continue
		}
		s.Permissions = append(s.Permissions, perm)
		s.permissionsSet[perm] = struct{}{}
	}
	return s
}

// HasPermission reports whether the subject has the specified permission.
// "*" grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, fmt.Sprintf("%s 缺少权限 %s", s.Name, perm))
		}
	}
	return nil
}

// Mode enumerates the supported authentication modes.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// Key binds one bearer token to a named caller.
type Key struct {
	Name        string
	Token       string
	Permissions []string
}

// Config configures the authentication service.
type Config struct {
	Mode Mode
	Keys []Key
}
