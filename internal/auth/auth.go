package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// SecurityContext is the opaque caller identity a transport attaches to a
// request. The gateway keys rate limits and audit entries on CallerID.
type SecurityContext struct {
	CallerID    string
	Permissions []string
	// Method names the authenticator that produced the identity.
	Method string
}

// HasPermission reports whether p was granted. "*" grants everything.
func (s *SecurityContext) HasPermission(p string) bool {
	if s == nil {
		return false
	}
	for _, have := range s.Permissions {
		if have == p || have == "*" {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithSecurityContext attaches sc to ctx.
func WithSecurityContext(ctx context.Context, sc *SecurityContext) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the caller identity carried by ctx, if any.
func FromContext(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(contextKey{}).(*SecurityContext)
	if !ok || sc == nil || sc.CallerID == "" {
		return nil, false
	}
	return sc, true
}

// Authenticator resolves the caller of an incoming request.
//
// A nil SecurityContext with a nil error means the request proceeds
// anonymously; whether that is acceptable is decided by the gateway.
type Authenticator interface {
	Authenticate(ctx context.Context) (*SecurityContext, error)
}

var (
	// ErrMissingCredentials is returned when the request carries no bearer token.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrUnauthenticated is returned when a presented token is not valid.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// APIKeyPrefix marks opaque API keys, as opposed to JWTs.
const APIKeyPrefix = "tsk_"

// ExtractBearerToken reads the bearer token from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingCredentials
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrMissingCredentials
	}
	token := strings.TrimSpace(values[0])
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)
	if token == "" || strings.EqualFold(token, "bearer") {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// IsAPIKey reports whether token has the API key shape.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, APIKeyPrefix)
}

// Chain routes tsk_ keys to APIKeys and every other bearer token to Tokens.
// Either may be nil, in which case tokens of that shape are rejected.
type Chain struct {
	APIKeys Authenticator
	Tokens  Authenticator
}

func (c *Chain) Authenticate(ctx context.Context) (*SecurityContext, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	next := c.Tokens
	if IsAPIKey(token) {
		next = c.APIKeys
	}
	if next == nil {
		return nil, ErrUnauthenticated
	}
	return next.Authenticate(ctx)
}
