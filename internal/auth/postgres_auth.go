package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	CallerID    string
	KeyHash     string
	Permissions []string
	Revoked     bool
}

// sqlKeyStore reads the api_keys table through database/sql (pgx stdlib driver).
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT caller_id, key_hash, coalesce(array_to_string(permissions, ','), ''), revoked_at IS NOT NULL
		FROM api_keys
		WHERE key_prefix = $1
	`, prefix)

	var (
		r     keyRow
		perms string
	)
	if err := row.Scan(&r.CallerID, &r.KeyHash, &perms, &r.Revoked); err != nil {
		return nil, err
	}
	if perms != "" {
		r.Permissions = strings.Split(perms, ",")
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against bcrypt hashes in Postgres.
type PostgresAuthenticator struct {
	store    KeyStore
	cache    *AuthCache
	logger   *zap.Logger
	failOpen bool
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	// FailOpen lets requests continue anonymously when the key store is
	// unreachable. Invalid keys are rejected either way.
	FailOpen bool
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.FailOpen, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, failOpen bool, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:    store,
		cache:    NewAuthCache(cacheTTL),
		logger:   logger,
		failOpen: failOpen,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*SecurityContext, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	if identity, status := a.cache.Lookup(token); status != CacheMiss {
		if status == CacheRefresh {
			go a.refreshInBackground(token)
		}
		return identity, nil
	}

	identity, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, err
		}
		if a.failOpen {
			a.logger.Warn("api key lookup failed, continuing anonymously", zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Store(token, identity)
	return identity, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*SecurityContext, error) {
	if !IsAPIKey(token) || len(token) < 12 {
		return nil, ErrUnauthenticated
	}
	prefix := token[:12]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Revoked {
		return nil, ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	return &SecurityContext{
		CallerID:    row.CallerID,
		Permissions: row.Permissions,
		Method:      "api_key",
	}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := a.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		a.logger.Info("api key no longer valid, evicting", zap.String("prefix", token[:min(len(token), 12)]))
		a.cache.Forget(token)
		return
	}
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Store(token, identity)
}
