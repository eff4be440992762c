// Package auth implements the credential-forwarding side of the transport:
// extracting a bearer credential from an inbound request and carrying it on
// the execution context of the session's calls.
//
// Forwarding is strictly feature-gated by the transport handlers. When the
// gate is off (the default), the Authorization header never propagates past
// the dispatcher. When it is on, the raw token is handed to service logic
// unvalidated. Forwarding a credential scoped for this service to an
// upstream recipient is the classic confused-deputy risk, so services that
// act as proxies must validate token audience themselves (the Verifier in
// this package is one way to do that).
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates a credential failed verification.
var ErrUnauthorized = errors.New("unauthorized")

const bearerPrefix = "Bearer "

// BearerToken extracts the bearer credential from a request's Authorization
// header. A missing header, a non-Bearer scheme, or an empty token all yield
// ok == false: per the forwarding contract these are never request failures,
// they simply leave the session without a credential.
func BearerToken(r *http.Request) (token string, ok bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(bearerPrefix):])
	if tok == "" {
		return "", false
	}
	return tok, true
}

type tokenKey struct{}

// WithToken attaches a forwarded credential to ctx. The session engine stamps
// the creation-time credential onto each handler's context this way; service
// logic reads it back with TokenFromContext, or asks the Conn for the most
// recently forwarded value.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the forwarded credential, if one was attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}

// Verifier checks a forwarded credential. Verification is service logic's
// concern, never the transport's; handlers in this module never call it.
type Verifier interface {
	// Verify returns the authenticated subject, or ErrUnauthorized.
	Verify(ctx context.Context, token string) (subject string, err error)
}
