package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the JWTAuthenticator.
type JWTConfig struct {
	// Secret is the HMAC key used to verify tokens.
	Secret []byte
	// Issuer and Audience are validated when non-empty.
	Issuer   string
	Audience string
	// ScopesClaim holds permissions as a space-separated string or array. Default: "scope".
	ScopesClaim string
	// Leeway tolerates clock skew on exp/nbf.
	Leeway time.Duration
}

// JWTAuthenticator validates HMAC-signed bearer JWTs. The subject claim
// becomes the caller id.
type JWTAuthenticator struct {
	cfg JWTConfig
}

func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("NewJWTAuthenticator: secret is required")
	}
	if cfg.ScopesClaim == "" {
		cfg.ScopesClaim = "scope"
	}
	return &JWTAuthenticator{cfg: cfg}, nil
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*SecurityContext, error) {
	raw, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	token, err := jwtlib.Parse(raw, func(t *jwtlib.Token) (any, error) {
		return a.cfg.Secret, nil
	}, a.parserOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthenticated
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	return &SecurityContext{
		CallerID:    sub,
		Permissions: scopes(claims[a.cfg.ScopesClaim]),
		Method:      "jwt",
	}, nil
}

func (a *JWTAuthenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwtlib.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.cfg.Audience))
	}
	if a.cfg.Leeway > 0 {
		opts = append(opts, jwtlib.WithLeeway(a.cfg.Leeway))
	}
	return opts
}

func scopes(v any) []string {
	switch s := v.(type) {
	case string:
		return strings.Fields(s)
	case []any:
		var out []string
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
