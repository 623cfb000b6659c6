// Package server exposes the dispatcher over gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/toolplane/internal/auth"
	"github.com/triage-ai/palisade/services/toolplane/internal/schema"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

// Dispatcher is the subset of registry.Dispatcher the server needs.
type Dispatcher interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
	Tools() []schema.ToolSchema
}

// ToolPlaneServer implements ToolPlaneService over a Dispatcher.
type ToolPlaneServer struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewToolPlaneServer creates a ToolPlaneServer.
func NewToolPlaneServer(d Dispatcher, logger *zap.Logger) *ToolPlaneServer {
	return &ToolPlaneServer{dispatcher: d, logger: logger}
}

// Invoke implements ToolPlaneService.Invoke.
func (s *ToolPlaneServer) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// 1. Decode request
	tool := req.GetFields()["tool"].GetStringValue()
	if tool == "" {
		return nil, status.Error(codes.InvalidArgument, "tool is required")
	}
	var args map[string]any
	if v, ok := req.GetFields()["arguments"]; ok {
		sv := v.GetStructValue()
		if sv == nil {
			if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
				return nil, status.Error(codes.InvalidArgument, "arguments must be an object")
			}
		}
		args = sv.AsMap()
	}

	// 2. Dispatch
	result, err := s.dispatcher.Invoke(ctx, tool, args)
	if err != nil {
		return nil, StatusFromError(err)
	}

	// 3. Encode result
	value, err := toValue(result)
	if err != nil {
		s.logger.Error("result encoding failed", zap.String("tool", tool), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"result": value}}, nil
}

// ListTools implements ToolPlaneService.ListTools.
func (s *ToolPlaneServer) ListTools(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prefix := req.GetFields()["prefix"].GetStringValue()

	tools := make([]any, 0)
	for _, ts := range s.dispatcher.Tools() {
		if !strings.HasPrefix(ts.Name, prefix) {
			continue
		}
		input, err := schema.Map(ts.InputSchema)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode schema for %s: %v", ts.Name, err)
		}
		tools = append(tools, map[string]any{
			"name":         ts.Name,
			"description":  ts.Description,
			"input_schema": input,
			"operation":    string(ts.Operation),
			"risk":         string(ts.Risk),
		})
	}

	out, err := structpb.NewStruct(map[string]any{"tools": tools})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode tools: %v", err)
	}
	return out, nil
}

// toValue converts an arbitrary result into a structpb value through JSON.
func toValue(v any) (*structpb.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, err
	}
	return structpb.NewValue(plain)
}

var codeByType = map[toolerr.Type]codes.Code{
	toolerr.ValidationError:        codes.InvalidArgument,
	toolerr.MethodNotAllowed:       codes.PermissionDenied,
	toolerr.AuthenticationRequired: codes.Unauthenticated,
	toolerr.RateLimitExceeded:      codes.ResourceExhausted,
	toolerr.ExecutionTimeout:       codes.DeadlineExceeded,
	toolerr.OperationTimeout:       codes.DeadlineExceeded,
	toolerr.ResponseTooLarge:       codes.ResourceExhausted,
	toolerr.PlanNotFound:           codes.NotFound,
	toolerr.OperationNotFound:      codes.NotFound,
	toolerr.PlanAlreadyConsumed:    codes.FailedPrecondition,
	toolerr.InvalidState:           codes.FailedPrecondition,
	toolerr.ExecutionFailed:        codes.Unknown,
}

// StatusFromError maps a structured error to a gRPC status carrying the
// {"error": {...}} envelope as a structpb.Struct detail.
func StatusFromError(err error) error {
	te := toolerr.From(err)
	code, ok := codeByType[te.Type]
	if !ok {
		code = codes.Unknown
	}
	st := status.New(code, te.Message)

	env, encErr := toValue(te.Envelope())
	if encErr != nil {
		return st.Err()
	}
	withDetails, detailErr := st.WithDetails(env.GetStructValue())
	if detailErr != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// ErrorEnvelope extracts the structured envelope from a status error
// returned by the server, or nil when absent.
func ErrorEnvelope(err error) *structpb.Struct {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			return s
		}
	}
	return nil
}

// AuthInterceptor resolves the caller and stores the SecurityContext on
// the request context. Requests without credentials continue anonymously;
// invalid credentials are rejected. Health checks are never authenticated.
func AuthInterceptor(a auth.Authenticator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if a == nil || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		sc, err := a.Authenticate(ctx)
		switch {
		case errors.Is(err, auth.ErrMissingCredentials):
			return handler(ctx, req)
		case err != nil:
			logger.Debug("authentication failed",
				zap.String("method", info.FullMethod),
				zap.Error(err),
			)
			return nil, StatusFromError(toolerr.New(toolerr.AuthenticationRequired,
				fmt.Sprintf("authentication failed: %v", err), nil))
		case sc != nil:
			ctx = auth.WithSecurityContext(ctx, sc)
		}
		return handler(ctx, req)
	}
}
