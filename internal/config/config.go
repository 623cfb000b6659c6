// Package config provides configuration for the toolplane server.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML or TOML config file (discovered or explicitly specified)
//  3. Environment variable overrides (TOOLPLANE_ prefix)
//  4. Validation
package config

import "time"

// Config holds all configuration for the toolplane server.
type Config struct {
	LogLevel string         `yaml:"log_level" toml:"log_level"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Planner  PlannerConfig  `yaml:"planner" toml:"planner"`
	LRO      LROConfig      `yaml:"lro" toml:"lro"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Tracing  TracingConfig  `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	GRPCPort    int    `yaml:"grpc_port" toml:"grpc_port"`       // default: 50061
	MCPAddr     string `yaml:"mcp_addr" toml:"mcp_addr"`         // streamable HTTP; empty disables
	MCPStdio    bool   `yaml:"mcp_stdio" toml:"mcp_stdio"`       // serve MCP on stdin/stdout instead
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"` // default: ":9090"; empty disables
}

// GatewayConfig bounds every tool call.
type GatewayConfig struct {
	AllowedMethods    []string      `yaml:"allowed_methods" toml:"allowed_methods"`
	DeniedMethods     []string      `yaml:"denied_methods" toml:"denied_methods"`
	RequireAuth       bool          `yaml:"require_auth" toml:"require_auth"`
	RequestsPerMinute int           `yaml:"requests_per_minute" toml:"requests_per_minute"`
	RequestsPerHour   int           `yaml:"requests_per_hour" toml:"requests_per_hour"`
	Burst             int           `yaml:"burst" toml:"burst"`
	SanitizeInputs    bool          `yaml:"sanitize_inputs" toml:"sanitize_inputs"`
	MaxStringLength   int           `yaml:"max_string_length" toml:"max_string_length"`
	MaxListItems      int           `yaml:"max_list_items" toml:"max_list_items"`
	ExecutionTimeout  time.Duration `yaml:"execution_timeout" toml:"execution_timeout"`
	MaxResponseBytes  int           `yaml:"max_response_bytes" toml:"max_response_bytes"`
	MaxResultDepth    int           `yaml:"max_result_depth" toml:"max_result_depth"`
	AuditCapacity     int           `yaml:"audit_capacity" toml:"audit_capacity"`
}

// PlannerConfig holds plan lifetimes.
type PlannerConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl" toml:"default_ttl"`
	FailedRetention time.Duration `yaml:"failed_retention" toml:"failed_retention"`
}

// LROConfig holds long-running operation polling settings.
type LROConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts" toml:"max_poll_attempts"`
	Timeout         time.Duration `yaml:"timeout" toml:"timeout"`
	StatusField     string        `yaml:"status_field" toml:"status_field"`
	ResultField     string        `yaml:"result_field" toml:"result_field"`
	ErrorField      string        `yaml:"error_field" toml:"error_field"`
	// CleanupAfter drops terminal operations older than this.
	CleanupAfter time.Duration `yaml:"cleanup_after" toml:"cleanup_after"`
}

// AuthConfig holds caller authentication settings.
type AuthConfig struct {
	// APIKeys maps static tsk_ keys to caller ids. Ignored when Postgres is configured.
	APIKeys     map[string]string `yaml:"api_keys" toml:"api_keys"`
	JWTSecret   string            `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer   string            `yaml:"jwt_issuer" toml:"jwt_issuer"`
	JWTAudience string            `yaml:"jwt_audience" toml:"jwt_audience"`
	CacheTTL    time.Duration     `yaml:"cache_ttl" toml:"cache_ttl"`
	FailOpen    bool              `yaml:"fail_open" toml:"fail_open"`
}

// StorageConfig holds external store settings.
type StorageConfig struct {
	PostgresDSN    string        `yaml:"postgres_dsn" toml:"postgres_dsn"`
	ClickHouseDSN  string        `yaml:"clickhouse_dsn" toml:"clickhouse_dsn"`
	PolicyCacheTTL time.Duration `yaml:"policy_cache_ttl" toml:"policy_cache_ttl"`
	// MirrorToLog also writes audit events to the log when ClickHouse is in use.
	MirrorToLog    bool          `yaml:"mirror_to_log" toml:"mirror_to_log"`
}

// RegistryConfig controls which methods become tools.
type RegistryConfig struct {
	StrictUnclassified bool           `yaml:"strict_unclassified" toml:"strict_unclassified"`
	Policies           []PolicyConfig `yaml:"policies" toml:"policies"`
}

// PolicyConfig is a static tool policy. It is used when no Postgres policy
// store is configured.
type PolicyConfig struct {
	Tool              string   `yaml:"tool" toml:"tool"`
	Operation         string   `yaml:"operation" toml:"operation"`
	Risk              string   `yaml:"risk" toml:"risk"`
	Disabled          bool     `yaml:"disabled" toml:"disabled"`
	AllowUnclassified bool     `yaml:"allow_unclassified" toml:"allow_unclassified"`
	Description       string   `yaml:"description" toml:"description"`
	DeniedCallers     []string `yaml:"denied_callers" toml:"denied_callers"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			GRPCPort:    50061,
			MetricsAddr: ":9090",
		},
		Gateway: GatewayConfig{
			RequireAuth:       true,
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			Burst:             10,
			SanitizeInputs:    true,
			MaxStringLength:   1000,
			MaxListItems:      100,
			ExecutionTimeout:  300 * time.Second,
			MaxResponseBytes:  10 * 1024 * 1024,
			MaxResultDepth:    10,
			AuditCapacity:     1000,
		},
		Planner: PlannerConfig{
			DefaultTTL:      600 * time.Second,
			FailedRetention: time.Hour,
		},
		LRO: LROConfig{
			PollInterval:    2 * time.Second,
			MaxPollAttempts: 300,
			StatusField:     "status",
			ResultField:     "result",
			ErrorField:      "error",
			CleanupAfter:    time.Hour,
		},
		Auth: AuthConfig{
			CacheTTL: 30 * time.Second,
			FailOpen: true,
		},
		Storage: StorageConfig{
			PolicyCacheTTL: 60 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "toolplane",
		},
	}
}
