package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.GRPCPort != 50061 {
		t.Fatalf("expected default port, got %d", cfg.Server.GRPCPort)
	}
	if cfg.Planner.DefaultTTL != 600*time.Second || cfg.LRO.MaxPollAttempts != 300 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Planner, cfg.LRO)
	}
	if !cfg.Gateway.RequireAuth || cfg.Gateway.RequestsPerMinute != 60 {
		t.Fatalf("unexpected gateway defaults %+v", cfg.Gateway)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "toolplane.yaml", `
log_level: debug
server:
  grpc_port: 6000
  mcp_addr: ":8081"
gateway:
  denied_methods: ["*.delete_*"]
  requests_per_minute: 5
  execution_timeout: 30s
planner:
  default_ttl: 2m
registry:
  strict_unclassified: true
  policies:
    - tool: demo.Cluster.reboot
      operation: write
      risk: high
      denied_callers: [intern]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Server.GRPCPort != 6000 || cfg.Server.MCPAddr != ":8081" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Gateway.RequestsPerMinute != 5 || cfg.Gateway.ExecutionTimeout != 30*time.Second {
		t.Fatalf("unexpected gateway config %+v", cfg.Gateway)
	}
	// Untouched fields keep their defaults.
	if cfg.Gateway.RequestsPerHour != 1000 {
		t.Fatalf("default lost: %d", cfg.Gateway.RequestsPerHour)
	}
	if cfg.Planner.DefaultTTL != 2*time.Minute {
		t.Fatalf("unexpected ttl %s", cfg.Planner.DefaultTTL)
	}
	if !cfg.Registry.StrictUnclassified || len(cfg.Registry.Policies) != 1 {
		t.Fatalf("unexpected registry config %+v", cfg.Registry)
	}
	p := cfg.Registry.Policies[0]
	if p.Risk != "high" || len(p.DeniedCallers) != 1 || p.DeniedCallers[0] != "intern" {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "toolplane.toml", `
log_level = "warn"

[server]
grpc_port = 7000

[lro]
poll_interval = "500ms"
max_poll_attempts = 10

[[registry.policies]]
tool = "demo.Cluster.get_logs"
disabled = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Server.GRPCPort != 7000 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.LRO.PollInterval != 500*time.Millisecond || cfg.LRO.MaxPollAttempts != 10 {
		t.Fatalf("unexpected lro config %+v", cfg.LRO)
	}
	if len(cfg.Registry.Policies) != 1 || !cfg.Registry.Policies[0].Disabled {
		t.Fatalf("unexpected policies %+v", cfg.Registry.Policies)
	}
}

func TestLoad_DiscoversConfigFromEnv(t *testing.T) {
	path := writeFile(t, "custom.yaml", "server:\n  grpc_port: 6100\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.GRPCPort != 6100 {
		t.Fatalf("expected port from discovered file, got %d", cfg.Server.GRPCPort)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "toolplane.yaml", "server:\n  grpc_port: 6000\n")
	t.Setenv("TOOLPLANE_GRPC_PORT", "6200")
	t.Setenv("TOOLPLANE_PLAN_TTL", "90")
	t.Setenv("TOOLPLANE_LRO_TIMEOUT", "5m")
	t.Setenv("TOOLPLANE_REQUIRE_AUTH", "false")
	t.Setenv("TOOLPLANE_DENIED_METHODS", "a.*, b.c ,")
	t.Setenv("TOOLPLANE_API_KEYS", `{"tsk_one":"alice"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.GRPCPort != 6200 {
		t.Fatalf("env did not override file: %d", cfg.Server.GRPCPort)
	}
	if cfg.Planner.DefaultTTL != 90*time.Second || cfg.LRO.Timeout != 5*time.Minute {
		t.Fatalf("unexpected durations %s %s", cfg.Planner.DefaultTTL, cfg.LRO.Timeout)
	}
	if cfg.Gateway.RequireAuth {
		t.Fatal("expected require_auth false")
	}
	if got := strings.Join(cfg.Gateway.DeniedMethods, "|"); got != "a.*|b.c" {
		t.Fatalf("unexpected denied methods %q", got)
	}
	if cfg.Auth.APIKeys["tsk_one"] != "alice" {
		t.Fatalf("unexpected api keys %v", cfg.Auth.APIKeys)
	}
}

func TestLoad_MalformedEnvRejected(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")
	t.Setenv("TOOLPLANE_GRPC_PORT", "not-a-port")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "TOOLPLANE_GRPC_PORT") {
		t.Fatalf("expected env error, got %v", err)
	}
}

func TestLoad_DotEnvFillsUnsetKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvDotEnvPath, "")
	t.Setenv("TOOLPLANE_BURST", "3")
	if err := os.WriteFile(".env", []byte("TOOLPLANE_GRPC_PORT=6300\nTOOLPLANE_BURST=7\n# comment\nTOOLPLANE_JWT_ISSUER=\"toolplane-test\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.GRPCPort != 6300 {
		t.Fatalf("expected port from .env, got %d", cfg.Server.GRPCPort)
	}
	if cfg.Gateway.Burst != 3 {
		t.Fatalf("process env should win over .env, got burst %d", cfg.Gateway.Burst)
	}
	if cfg.Auth.JWTIssuer != "toolplane-test" {
		t.Fatalf("unexpected issuer %q", cfg.Auth.JWTIssuer)
	}
	if v := os.Getenv("TOOLPLANE_GRPC_PORT"); v != "" {
		t.Fatalf(".env leaked into the process environment: %q", v)
	}
}

func TestLoad_ExplicitDotEnvMustExist(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvDotEnvPath, filepath.Join(t.TempDir(), "missing.env"))

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for a missing explicit dotenv file")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":      func(c *Config) { c.LogLevel = "loud" },
		"port":           func(c *Config) { c.Server.GRPCPort = 0 },
		"mcp exclusive":  func(c *Config) { c.Server.MCPStdio = true; c.Server.MCPAddr = ":1" },
		"bad pattern":    func(c *Config) { c.Gateway.DeniedMethods = []string{"[a"} },
		"short secret":   func(c *Config) { c.Auth.JWTSecret = "short" },
		"policy tool":    func(c *Config) { c.Registry.Policies = []PolicyConfig{{Risk: "low"}} },
		"policy risk":    func(c *Config) { c.Registry.Policies = []PolicyConfig{{Tool: "x", Risk: "severe"}} },
		"policy op":      func(c *Config) { c.Registry.Policies = []PolicyConfig{{Tool: "x", Operation: "delete"}} },
		"policy dup":     func(c *Config) { c.Registry.Policies = []PolicyConfig{{Tool: "x"}, {Tool: "x"}} },
		"poll interval":  func(c *Config) { c.LRO.PollInterval = 0 },
		"plan ttl":       func(c *Config) { c.Planner.DefaultTTL = -time.Second },
		"response bound": func(c *Config) { c.Gateway.MaxResponseBytes = 0 },
		"exec timeout":   func(c *Config) { c.Gateway.ExecutionTimeout = 0 },
		"poll attempts":  func(c *Config) { c.LRO.MaxPollAttempts = 0 },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
