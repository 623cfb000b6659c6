package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
)

// PolicyRowStore abstracts the tool_policies query for testability.
type PolicyRowStore interface {
	LookupPolicy(ctx context.Context, toolName string) (*policyRow, error)
}

type policyRow struct {
	ToolName          string
	Operation         sql.NullString
	Risk              sql.NullString
	Enabled           bool
	AllowUnclassified bool
	Description       sql.NullString
	DeniedCallers     string // JSONB array as text
}

type sqlPolicyStore struct {
	db *sql.DB
}

func (s *sqlPolicyStore) LookupPolicy(ctx context.Context, toolName string) (*policyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tool_name, operation, risk, enabled, allow_unclassified,
		       description, denied_callers::text
		FROM tool_policies
		WHERE tool_name = $1
	`, toolName)

	var r policyRow
	if err := row.Scan(
		&r.ToolName, &r.Operation, &r.Risk, &r.Enabled, &r.AllowUnclassified,
		&r.Description, &r.DeniedCallers,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresPolicyStore reads tool_policies through a stale-while-revalidate cache.
type PostgresPolicyStore struct {
	store  PolicyRowStore
	cache  *PolicyCache
	logger *zap.Logger
}

// PostgresPolicyStoreConfig configures the PostgresPolicyStore.
type PostgresPolicyStoreConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresPolicyStore creates a PostgresPolicyStore.
func NewPostgresPolicyStore(cfg PostgresPolicyStoreConfig) *PostgresPolicyStore {
	return newPostgresPolicyStoreWithStore(&sqlPolicyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresPolicyStoreWithStore creates a store over a custom row source (for testing).
func newPostgresPolicyStoreWithStore(store PolicyRowStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresPolicyStore {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresPolicyStore{
		store:  store,
		cache:  NewPolicyCache(cacheTTL),
		logger: logger,
	}
}

func (s *PostgresPolicyStore) GetPolicy(ctx context.Context, toolName string) (*ToolPolicy, error) {
	if p, found, refresh := s.cache.Lookup(toolName); found {
		if refresh {
			go s.refreshInBackground(toolName)
		}
		return p, nil
	}

	p, err := s.fetch(ctx, toolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cache.Put(toolName, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("GetPolicy: %w", err)
	}
	s.cache.Put(toolName, p)
	return p, nil
}

func (s *PostgresPolicyStore) fetch(ctx context.Context, toolName string) (*ToolPolicy, error) {
	row, err := s.store.LookupPolicy(ctx, toolName)
	if err != nil {
		return nil, err
	}
	return parsePolicyRow(row)
}

func (s *PostgresPolicyStore) refreshInBackground(toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := s.fetch(ctx, toolName)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.cache.Put(toolName, nil)
	case err != nil:
		s.logger.Warn("background policy refresh failed",
			zap.String("tool", toolName),
			zap.Error(err),
		)
		s.cache.Settle(toolName)
	default:
		s.cache.Put(toolName, p)
	}
}

func parsePolicyRow(row *policyRow) (*ToolPolicy, error) {
	p := &ToolPolicy{
		ToolName:          row.ToolName,
		Enabled:           row.Enabled,
		AllowUnclassified: row.AllowUnclassified,
	}

	if row.Operation.Valid {
		switch op := classify.Operation(row.Operation.String); op {
		case classify.Read, classify.Write:
			p.Operation = op
		default:
			return nil, fmt.Errorf("parsePolicyRow: %s: unknown operation %q", row.ToolName, row.Operation.String)
		}
	}
	if row.Risk.Valid {
		switch r := classify.Risk(row.Risk.String); r {
		case classify.Low, classify.Medium, classify.High:
			p.Risk = r
		default:
			return nil, fmt.Errorf("parsePolicyRow: %s: unknown risk %q", row.ToolName, row.Risk.String)
		}
	}
	if row.Description.Valid {
		p.Description = row.Description.String
	}
	if row.DeniedCallers != "" && row.DeniedCallers != "[]" {
		if err := json.Unmarshal([]byte(row.DeniedCallers), &p.DeniedCallers); err != nil {
			return nil, fmt.Errorf("parsePolicyRow: denied_callers: %w", err)
		}
	}
	return p, nil
}
