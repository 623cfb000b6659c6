package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/toolplane/internal/adapters/demo"
	"github.com/triage-ai/palisade/services/toolplane/internal/auth"
	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
	"github.com/triage-ai/palisade/services/toolplane/internal/config"
	"github.com/triage-ai/palisade/services/toolplane/internal/gateway"
	"github.com/triage-ai/palisade/services/toolplane/internal/lro"
	"github.com/triage-ai/palisade/services/toolplane/internal/mcpserver"
	"github.com/triage-ai/palisade/services/toolplane/internal/planner"
	"github.com/triage-ai/palisade/services/toolplane/internal/registry"
	"github.com/triage-ai/palisade/services/toolplane/internal/server"
	"github.com/triage-ai/palisade/services/toolplane/internal/storage"
	"github.com/triage-ai/palisade/services/toolplane/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolplane: %v\n", err)
		os.Exit(1)
	}

	// Logger. MCP over stdio owns stdout, so logs move to stderr.
	logOutput := "stdout"
	if cfg.Server.MCPStdio {
		logOutput = "stderr"
	}
	logger := mustBuildLogger(cfg.LogLevel, logOutput)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting toolplane server",
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.String("mcp_addr", cfg.Server.MCPAddr),
		zap.Bool("mcp_stdio", cfg.Server.MCPStdio),
		zap.Bool("require_auth", cfg.Gateway.RequireAuth),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
			ServiceName: cfg.Tracing.ServiceName,
			UseStdout:   true,
		})
		if err != nil {
			logger.Fatal("failed to init tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if cfg.Storage.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.Storage.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			if cfg.Storage.MirrorToLog {
				writer = storage.Fanout{chWriter, storage.NewLogWriter(logger)}
			}
			logger.Info("clickhouse writer connected", zap.Bool("mirror_to_log", cfg.Storage.MirrorToLog))
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no clickhouse DSN set, using log writer")
	}
	defer writer.Close()

	// Postgres backs API keys and tool policies when configured.
	var db *sql.DB
	if cfg.Storage.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.Storage.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	authenticator := buildAuthenticator(cfg, db, logger)
	policies := buildPolicyStore(cfg, db, logger)

	// Core
	gw := gateway.New(gateway.Config{
		AllowedMethods:    cfg.Gateway.AllowedMethods,
		DeniedMethods:     cfg.Gateway.DeniedMethods,
		RequireAuth:       cfg.Gateway.RequireAuth,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		RequestsPerHour:   cfg.Gateway.RequestsPerHour,
		Burst:             cfg.Gateway.Burst,
		SanitizeInputs:    cfg.Gateway.SanitizeInputs,
		MaxStringLength:   cfg.Gateway.MaxStringLength,
		MaxListItems:      cfg.Gateway.MaxListItems,
		ExecutionTimeout:  cfg.Gateway.ExecutionTimeout,
		MaxResponseBytes:  cfg.Gateway.MaxResponseBytes,
		MaxResultDepth:    cfg.Gateway.MaxResultDepth,
		AuditCapacity:     cfg.Gateway.AuditCapacity,
	}, logger, writer)

	plans := planner.New(planner.Config{
		DefaultTTL:      cfg.Planner.DefaultTTL,
		FailedRetention: cfg.Planner.FailedRetention,
	}, logger)

	ops := lro.New(lro.Config{
		PollInterval:    cfg.LRO.PollInterval,
		MaxPollAttempts: cfg.LRO.MaxPollAttempts,
		Timeout:         cfg.LRO.Timeout,
		StatusField:     cfg.LRO.StatusField,
		ResultField:     cfg.LRO.ResultField,
		ErrorField:      cfg.LRO.ErrorField,
	}, logger)
	defer ops.Close()
	go cleanupOperations(ctx, ops, cfg.LRO.CleanupAfter, logger)

	dispatcher, err := registry.New(registry.Config{
		Classifier:         classify.Default(),
		StrictUnclassified: cfg.Registry.StrictUnclassified,
		Policies:           policies,
	}, gw, plans, ops, logger)
	if err != nil {
		logger.Fatal("failed to create dispatcher", zap.Error(err))
	}

	n, err := dispatcher.Register(ctx, demo.Adapter{Cluster: demo.NewCluster()})
	if err != nil {
		logger.Fatal("failed to register demo adapter", zap.Error(err))
	}
	logger.Info("adapter registered", zap.String("source", "demo"), zap.Int("tools", n))

	// Metrics
	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go serveHTTP(metricsServer, "metrics", logger)
	}

	// MCP
	mcpSrv := mcpserver.New(mcpserver.Config{Name: "toolplane", Auth: authenticator}, dispatcher, logger)
	var mcpHTTP *http.Server
	switch {
	case cfg.Server.MCPStdio:
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mcp stdio session ended", zap.Error(err))
			}
			stop()
		}()
	case cfg.Server.MCPAddr != "":
		mux := http.NewServeMux()
		mux.Handle("/mcp", otelhttp.NewHandler(mcpSrv.HTTPHandler(), "mcp"))
		mcpHTTP = &http.Server{Addr: cfg.Server.MCPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go serveHTTP(mcpHTTP, "mcp", logger)
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
		grpc.ChainUnaryInterceptor(server.AuthInterceptor(authenticator, logger)),
	)

	server.Register(grpcServer, server.NewToolPlaneServer(dispatcher, logger))

	// Register health service for load balancer checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	port := strconv.Itoa(cfg.Server.GRPCPort)
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", port), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{mcpHTTP, metricsServer} {
			if srv != nil {
				_ = srv.Shutdown(shutdownCtx)
			}
		}
		grpcServer.GracefulStop()
	}()

	logger.Info("toolplane server listening", zap.String("addr", lis.Addr().String()))
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}

// buildAuthenticator routes API keys to Postgres (or the static table) and
// other bearer tokens to the JWT verifier when a secret is configured.
func buildAuthenticator(cfg *config.Config, db *sql.DB, logger *zap.Logger) auth.Authenticator {
	chain := &auth.Chain{}
	if db != nil {
		chain.APIKeys = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Auth.CacheTTL,
			FailOpen: cfg.Auth.FailOpen,
			Logger:   logger,
		})
		logger.Info("postgres authenticator enabled")
	} else {
		chain.APIKeys = auth.NewStaticAuthenticator(cfg.Auth.APIKeys)
		if len(cfg.Auth.APIKeys) == 0 {
			logger.Warn("no api keys configured, static authenticator accepts any tsk_ key")
		} else {
			logger.Info("using static authenticator", zap.Int("keys", len(cfg.Auth.APIKeys)))
		}
	}

	if cfg.Auth.JWTSecret != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.JWTIssuer,
			Audience: cfg.Auth.JWTAudience,
			Leeway:   30 * time.Second,
		})
		if err != nil {
			logger.Fatal("failed to create jwt authenticator", zap.Error(err))
		}
		chain.Tokens = jwtAuth
		logger.Info("jwt authenticator enabled", zap.String("issuer", cfg.Auth.JWTIssuer))
	}
	return chain
}

// buildPolicyStore prefers the Postgres tool_policies table and falls back
// to the policies listed in the config file.
func buildPolicyStore(cfg *config.Config, db *sql.DB, logger *zap.Logger) registry.PolicyStore {
	if db != nil {
		logger.Info("postgres policy store enabled")
		return registry.NewPostgresPolicyStore(registry.PostgresPolicyStoreConfig{
			DB:       db,
			CacheTTL: cfg.Storage.PolicyCacheTTL,
			Logger:   logger,
		})
	}
	if len(cfg.Registry.Policies) == 0 {
		return nil
	}
	store := make(registry.StaticPolicyStore, len(cfg.Registry.Policies))
	for _, p := range cfg.Registry.Policies {
		store[p.Tool] = &registry.ToolPolicy{
			ToolName:          p.Tool,
			Operation:         classify.Operation(p.Operation),
			Risk:              classify.Risk(p.Risk),
			Enabled:           !p.Disabled,
			AllowUnclassified: p.AllowUnclassified,
			Description:       p.Description,
			DeniedCallers:     p.DeniedCallers,
		}
	}
	logger.Info("static policy store enabled", zap.Int("policies", len(store)))
	return store
}

func cleanupOperations(ctx context.Context, ops *lro.Tracker, maxAge time.Duration, logger *zap.Logger) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(maxAge / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := ops.Cleanup(maxAge); n > 0 {
				logger.Debug("cleaned up operations", zap.Int("removed", n))
			}
		}
	}
}

func serveHTTP(srv *http.Server, name string, logger *zap.Logger) {
	logger.Info("http listener starting", zap.String("listener", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http listener failed", zap.String("listener", name), zap.Error(err))
	}
}

func mustBuildLogger(level, output string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
