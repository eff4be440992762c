package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticConfig controls validation for symmetric-key JWT credentials.
type StaticConfig struct {
	// Key is the HMAC signing secret.
	Key []byte
	// ExpectedAudience, when set, must appear in the token's aud claim.
	ExpectedAudience string
	// Leeway tolerates clock skew on time-based claims. Default 60s.
	Leeway time.Duration
}

type staticVerifier struct {
	cfg StaticConfig
}

// NewStatic constructs a Verifier that validates HS256 JWTs against a static
// shared secret. It is meant for service logic that wants to check the
// credential the transport forwarded before trusting it.
func NewStatic(cfg StaticConfig) (Verifier, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("signing key is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &staticVerifier{cfg: cfg}, nil
}

func (v *staticVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.ExpectedAudience))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.cfg.Key, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrUnauthorized)
	}
	return sub, nil
}
