// Package mcpserver exposes the dispatcher's tools over the Model Context
// Protocol, on stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	"github.com/triage-ai/palisade/services/toolplane/internal/auth"
	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
	"github.com/triage-ai/palisade/services/toolplane/internal/schema"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

// Dispatcher is the subset of registry.Dispatcher the MCP server needs.
type Dispatcher interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
	Tools() []schema.ToolSchema
}

// Config identifies the server to MCP clients.
type Config struct {
	Name         string
	Version      string
	Instructions string
	// Auth, when set, resolves the caller from the HTTP Authorization header.
	Auth auth.Authenticator
}

// Server adapts a Dispatcher to an mcp.Server.
type Server struct {
	srv        *mcp.Server
	dispatcher Dispatcher
	auth       auth.Authenticator
	logger     *zap.Logger
}

// New creates a Server and publishes every tool the dispatcher currently holds.
func New(cfg Config, d Dispatcher, logger *zap.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "toolplane"
	}
	if cfg.Version == "" {
		cfg.Version = "v1.0.0"
	}
	s := &Server{
		srv: mcp.NewServer(
			&mcp.Implementation{Name: cfg.Name, Version: cfg.Version},
			&mcp.ServerOptions{Instructions: cfg.Instructions},
		),
		dispatcher: d,
		auth:       cfg.Auth,
		logger:     logger,
	}
	s.Sync()
	return s
}

// Sync publishes the dispatcher's current tool surface. Tools with an
// existing name are replaced.
func (s *Server) Sync() int {
	tools := s.dispatcher.Tools()
	for _, ts := range tools {
		s.srv.AddTool(toMCPTool(ts), s.handler(ts.Name))
	}
	return len(tools)
}

// Run serves a single session on t until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.srv.Run(ctx, t)
}

// HTTPHandler serves the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.srv
	}, nil)
}

func toMCPTool(ts schema.ToolSchema) *mcp.Tool {
	ann := &mcp.ToolAnnotations{ReadOnlyHint: ts.Operation == classify.Read}
	if ts.Operation == classify.Write {
		destructive := ts.Risk == classify.High
		ann.DestructiveHint = &destructive
	}
	return &mcp.Tool{
		Name:        ts.Name,
		Description: ts.Description,
		InputSchema: ts.InputSchema,
		Annotations: ann,
	}
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// 1. Resolve caller
		ctx, err := s.authenticate(ctx, req)
		if err != nil {
			return errorResult(toolerr.New(toolerr.AuthenticationRequired,
				fmt.Sprintf("authentication failed: %v", err), nil)), nil
		}

		// 2. Decode arguments
		var args map[string]any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(toolerr.New(toolerr.ValidationError,
					fmt.Sprintf("arguments must be a JSON object: %v", err),
					map[string]any{"tool": name})), nil
			}
		}

		// 3. Dispatch
		result, err := s.dispatcher.Invoke(ctx, name, args)
		if err != nil {
			s.logger.Debug("mcp tool call failed", zap.String("tool", name), zap.Error(err))
			return errorResult(toolerr.From(err)), nil
		}
		return successResult(result)
	}
}

func (s *Server) authenticate(ctx context.Context, req *mcp.CallToolRequest) (context.Context, error) {
	if s.auth == nil || req.Extra == nil || req.Extra.Header == nil {
		return ctx, nil
	}
	header := req.Extra.Header.Get("Authorization")
	if header == "" {
		return ctx, nil
	}
	md := metadata.Pairs("authorization", header)
	sc, err := s.auth.Authenticate(metadata.NewIncomingContext(ctx, md))
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return ctx, nil
	case err != nil:
		return ctx, err
	case sc != nil:
		ctx = auth.WithSecurityContext(ctx, sc)
	}
	return ctx, nil
}

func successResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(toolerr.New(toolerr.ExecutionFailed,
			fmt.Sprintf("result is not serializable: %v", err), nil)), nil
	}
	out := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}
	var obj map[string]any
	if json.Unmarshal(b, &obj) == nil && obj != nil {
		out.StructuredContent = obj
	}
	return out, nil
}

func errorResult(te *toolerr.Error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(te.JSON())}},
		StructuredContent: te.Map(),
		IsError:           true,
	}
}
