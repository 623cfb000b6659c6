package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"
)

func bearerCtx(token string) context.Context {
	md := metadata.Pairs("authorization", token)
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestStaticAuthenticator_DevModeAcceptsAnyKey(t *testing.T) {
	a := NewStaticAuthenticator(nil)

	sc, err := a.Authenticate(bearerCtx("Bearer tsk_abc123xyz"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if sc.CallerID != "static-tsk_abc1" {
		t.Errorf("unexpected caller id %q", sc.CallerID)
	}
	if !sc.HasPermission("plans.apply") {
		t.Error("static callers hold every permission")
	}
}

func TestStaticAuthenticator_KeyTable(t *testing.T) {
	a := NewStaticAuthenticator(map[string]string{"tsk_ops": "ops-bot"})

	sc, err := a.Authenticate(bearerCtx("bearer tsk_ops"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if sc.CallerID != "ops-bot" {
		t.Errorf("expected ops-bot, got %q", sc.CallerID)
	}

	if _, err := a.Authenticate(bearerCtx("Bearer tsk_other")); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for unknown key, got %v", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		want    string
		wantErr error
	}{
		{"no metadata", context.Background(), "", ErrMissingCredentials},
		{"no header", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x", "y")), "", ErrMissingCredentials},
		{"empty after Bearer", bearerCtx("Bearer "), "", ErrUnauthenticated},
		{"just Bearer", bearerCtx("Bearer"), "", ErrUnauthenticated},
		{"whitespace", bearerCtx("Bearer  tsk_abc "), "tsk_abc", nil},
		{"jwt", bearerCtx("Bearer a.b.c"), "a.b.c", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBearerToken(tt.ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected err %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStaticAuthenticator_RejectsNonKeys(t *testing.T) {
	a := NewStaticAuthenticator(nil)
	for _, tok := range []string{"Bearer sk_abc123", "Bearer abc123"} {
		if _, err := a.Authenticate(bearerCtx(tok)); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("expected ErrUnauthenticated for %q, got %v", tok, err)
		}
	}
}

func TestSecurityContext_RoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context must carry no caller")
	}
	ctx := WithSecurityContext(context.Background(), &SecurityContext{CallerID: "alice"})
	sc, ok := FromContext(ctx)
	if !ok || sc.CallerID != "alice" {
		t.Fatalf("expected alice, got %+v", sc)
	}
	if _, ok := FromContext(WithSecurityContext(context.Background(), &SecurityContext{})); ok {
		t.Fatal("blank caller id must not count as authenticated")
	}
}

func TestChain_RoutesByTokenShape(t *testing.T) {
	secret := []byte("s3cret")
	jwtAuth, err := NewJWTAuthenticator(JWTConfig{Secret: secret})
	if err != nil {
		t.Fatal(err)
	}
	chain := &Chain{APIKeys: NewStaticAuthenticator(map[string]string{"tsk_k": "keyed"}), Tokens: jwtAuth}

	sc, err := chain.Authenticate(bearerCtx("Bearer tsk_k"))
	if err != nil || sc.CallerID != "keyed" {
		t.Fatalf("expected keyed caller, got %+v, %v", sc, err)
	}

	tok := signHS256(t, secret, jwtlib.MapClaims{"sub": "svc", "exp": time.Now().Add(time.Hour).Unix()})
	sc, err = chain.Authenticate(bearerCtx("Bearer " + tok))
	if err != nil || sc.CallerID != "svc" {
		t.Fatalf("expected jwt caller, got %+v, %v", sc, err)
	}

	onlyKeys := &Chain{APIKeys: NewStaticAuthenticator(nil)}
	if _, err := onlyKeys.Authenticate(bearerCtx("Bearer " + tok)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without a token authenticator, got %v", err)
	}
}

func BenchmarkStaticAuthenticator(b *testing.B) {
	a := NewStaticAuthenticator(map[string]string{"tsk_abc123": "bench"})
	ctx := bearerCtx("Bearer tsk_abc123")

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		a.Authenticate(ctx)
	}
}
