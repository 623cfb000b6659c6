package config

import (
	"errors"
	"fmt"
	"path"
)

// Validate checks the configuration for valid values. The error names the
// offending field path.
func (c *Config) Validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}

	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port must be in 1..65535, got %d", c.Server.GRPCPort))
	}
	if c.Server.MCPStdio && c.Server.MCPAddr != "" {
		errs = append(errs, errors.New("server.mcp_stdio and server.mcp_addr are mutually exclusive"))
	}

	for _, p := range append(append([]string(nil), c.Gateway.AllowedMethods...), c.Gateway.DeniedMethods...) {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("gateway method pattern %q: %w", p, err))
		}
	}
	if c.Gateway.ExecutionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("gateway.execution_timeout must be > 0, got %s", c.Gateway.ExecutionTimeout))
	}
	if c.Gateway.MaxResponseBytes <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_response_bytes must be > 0, got %d", c.Gateway.MaxResponseBytes))
	}

	if c.Planner.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("planner.default_ttl must be > 0, got %s", c.Planner.DefaultTTL))
	}
	if c.LRO.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("lro.poll_interval must be > 0, got %s", c.LRO.PollInterval))
	}
	if c.LRO.MaxPollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("lro.max_poll_attempts must be > 0, got %d", c.LRO.MaxPollAttempts))
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}

	seen := map[string]bool{}
	for i, p := range c.Registry.Policies {
		if p.Tool == "" {
			errs = append(errs, fmt.Errorf("registry.policies[%d].tool is required", i))
			continue
		}
		if seen[p.Tool] {
			errs = append(errs, fmt.Errorf("registry.policies[%d]: duplicate policy for %s", i, p.Tool))
		}
		seen[p.Tool] = true
		switch p.Operation {
		case "", "read", "write":
		default:
			errs = append(errs, fmt.Errorf("registry.policies[%d].operation must be read or write, got %q", i, p.Operation))
		}
		switch p.Risk {
		case "", "low", "medium", "high":
		default:
			errs = append(errs, fmt.Errorf("registry.policies[%d].risk must be low, medium or high, got %q", i, p.Risk))
		}
	}

	return errors.Join(errs...)
}
