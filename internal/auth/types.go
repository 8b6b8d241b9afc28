package auth

import "errors"

// Scope limits what a token holder may do.
type Scope string

// Scopes, lowest first.
const (
	ScopeRead    Scope = "read"
	ScopeControl Scope = "control"
)

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool {
	return s == ScopeRead || s == ScopeControl
}

// Allows reports whether a token with scope s may perform an action
// requiring want.
func (s Scope) Allows(want Scope) bool {
	switch s {
	case ScopeControl:
		return ValidScope(want)
	case ScopeRead:
		return want == ScopeRead
	default:
		return false
	}
}

// Token errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is not configured")
	ErrInvalidScope = errors.New("invalid scope")
)
