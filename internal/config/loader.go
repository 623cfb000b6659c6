package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath names the variable holding an explicit config file path.
	EnvConfigPath = "TOOLPLANE_CONFIG"
	// EnvDotEnvPath names the variable holding the dotenv file path. Default: ./.env
	EnvDotEnvPath = "TOOLPLANE_ENV_FILE"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. Config file (explicit path, TOOLPLANE_CONFIG, ./toolplane.yaml, ./toolplane.yml, ./toolplane.toml)
//  3. Environment variables, falling back to a dotenv file for unset keys
//  4. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	e, err := newEnv()
	if err != nil {
		return nil, err
	}
	if err := e.apply(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// discoverConfigFile returns the first of: the explicit path, TOOLPLANE_CONFIG,
// ./toolplane.yaml, ./toolplane.yml, ./toolplane.toml. Empty when none exists.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}
	for _, path := range []string{"toolplane.yaml", "toolplane.yml", "toolplane.toml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadFile decodes path into cfg by extension. Fields absent from the file
// keep their current values.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return err
}

// env resolves variables from the process environment first and the dotenv
// file second. The process environment is never modified.
type env struct {
	file map[string]string
	errs []string
}

func newEnv() (*env, error) {
	path := os.Getenv(EnvDotEnvPath)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	file, err := godotenv.Read(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		file = nil
	default:
		return nil, fmt.Errorf("reading dotenv file %s: %w", path, err)
	}
	return &env{file: file}, nil
}

func (e *env) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e.file[key]
}

func (e *env) note(key string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
}

// apply maps TOOLPLANE_* variables onto cfg. Malformed values are reported
// rather than silently ignored.
func (e *env) apply(cfg *Config) error {
	cfg.LogLevel = e.orDefault("TOOLPLANE_LOG_LEVEL", cfg.LogLevel)

	// Server
	cfg.Server.GRPCPort = e.intOr("TOOLPLANE_GRPC_PORT", cfg.Server.GRPCPort)
	cfg.Server.MCPAddr = e.orDefault("TOOLPLANE_MCP_ADDR", cfg.Server.MCPAddr)
	cfg.Server.MCPStdio = e.boolOr("TOOLPLANE_MCP_STDIO", cfg.Server.MCPStdio)
	cfg.Server.MetricsAddr = e.orDefault("TOOLPLANE_METRICS_ADDR", cfg.Server.MetricsAddr)

	// Gateway
	if v := e.get("TOOLPLANE_ALLOWED_METHODS"); v != "" {
		cfg.Gateway.AllowedMethods = splitList(v)
	}
	if v := e.get("TOOLPLANE_DENIED_METHODS"); v != "" {
		cfg.Gateway.DeniedMethods = splitList(v)
	}
	cfg.Gateway.RequireAuth = e.boolOr("TOOLPLANE_REQUIRE_AUTH", cfg.Gateway.RequireAuth)
	cfg.Gateway.RequestsPerMinute = e.intOr("TOOLPLANE_REQUESTS_PER_MINUTE", cfg.Gateway.RequestsPerMinute)
	cfg.Gateway.RequestsPerHour = e.intOr("TOOLPLANE_REQUESTS_PER_HOUR", cfg.Gateway.RequestsPerHour)
	cfg.Gateway.Burst = e.intOr("TOOLPLANE_BURST", cfg.Gateway.Burst)
	cfg.Gateway.ExecutionTimeout = e.durationOr("TOOLPLANE_EXECUTION_TIMEOUT", cfg.Gateway.ExecutionTimeout)
	cfg.Gateway.MaxResponseBytes = e.intOr("TOOLPLANE_MAX_RESPONSE_BYTES", cfg.Gateway.MaxResponseBytes)

	// Planner / LRO
	cfg.Planner.DefaultTTL = e.durationOr("TOOLPLANE_PLAN_TTL", cfg.Planner.DefaultTTL)
	cfg.LRO.PollInterval = e.durationOr("TOOLPLANE_LRO_POLL_INTERVAL", cfg.LRO.PollInterval)
	cfg.LRO.MaxPollAttempts = e.intOr("TOOLPLANE_LRO_MAX_POLL_ATTEMPTS", cfg.LRO.MaxPollAttempts)
	cfg.LRO.Timeout = e.durationOr("TOOLPLANE_LRO_TIMEOUT", cfg.LRO.Timeout)

	// Auth
	if v := e.get("TOOLPLANE_API_KEYS"); v != "" {
		keys := map[string]string{}
		if err := json.Unmarshal([]byte(v), &keys); err != nil {
			e.note("TOOLPLANE_API_KEYS", err)
		} else {
			cfg.Auth.APIKeys = keys
		}
	}
	cfg.Auth.JWTSecret = e.orDefault("TOOLPLANE_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.JWTIssuer = e.orDefault("TOOLPLANE_JWT_ISSUER", cfg.Auth.JWTIssuer)
	cfg.Auth.JWTAudience = e.orDefault("TOOLPLANE_JWT_AUDIENCE", cfg.Auth.JWTAudience)
	cfg.Auth.CacheTTL = e.durationOr("TOOLPLANE_AUTH_CACHE_TTL", cfg.Auth.CacheTTL)

	// Storage
	cfg.Storage.PostgresDSN = e.orDefault("POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.ClickHouseDSN = e.orDefault("CLICKHOUSE_DSN", cfg.Storage.ClickHouseDSN)
	cfg.Storage.MirrorToLog = e.boolOr("TOOLPLANE_AUDIT_MIRROR_TO_LOG", cfg.Storage.MirrorToLog)
	cfg.Storage.PolicyCacheTTL = e.durationOr("TOOLPLANE_POLICY_CACHE_TTL", cfg.Storage.PolicyCacheTTL)

	// Registry / tracing
	cfg.Registry.StrictUnclassified = e.boolOr("TOOLPLANE_STRICT_UNCLASSIFIED", cfg.Registry.StrictUnclassified)
	cfg.Tracing.Enabled = e.boolOr("TOOLPLANE_TRACING", cfg.Tracing.Enabled)

	if len(e.errs) > 0 {
		return errors.New(strings.Join(e.errs, "; "))
	}
	return nil
}

func (e *env) orDefault(key, defaultVal string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return defaultVal
}

func (e *env) intOr(key string, defaultVal int) int {
	v := e.get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.note(key, err)
		return defaultVal
	}
	return i
}

func (e *env) boolOr(key string, defaultVal bool) bool {
	v := e.get(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.note(key, err)
		return defaultVal
	}
	return b
}

// durationOr accepts Go durations ("90s") or plain seconds ("90").
func (e *env) durationOr(key string, defaultVal time.Duration) time.Duration {
	v := e.get(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.note(key, err)
		return defaultVal
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
