package toolerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Type identifies a failure class. Values are stable and part of the wire shape.
type Type string

const (
	ValidationError        Type = "ValidationError"
	MethodNotAllowed       Type = "MethodNotAllowed"
	AuthenticationRequired Type = "AuthenticationRequired"
	RateLimitExceeded      Type = "RateLimitExceeded"
	ExecutionTimeout       Type = "ExecutionTimeout"
	ResponseTooLarge       Type = "ResponseTooLarge"
	PlanNotFound           Type = "PlanNotFound"
	PlanAlreadyConsumed    Type = "PlanAlreadyConsumed"
	ExecutionFailed        Type = "ExecutionFailed"
	OperationTimeout       Type = "OperationTimeout"
	OperationNotFound      Type = "OperationNotFound"
	InvalidState           Type = "InvalidState"
)

const maxMessageLen = 2048

// Error is the structured failure returned across every component boundary.
type Error struct {
	Type    Type           `json:"type"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// MarshalJSON renders the type, message and context; the cause chain is
// never serialized.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type    Type           `json:"type"`
		Message string         `json:"message"`
		Context map[string]any `json:"context,omitempty"`
	}
	return json.Marshal(wire{Type: e.Type, Message: e.Message, Context: e.Context})
}

// Envelope is the {"error": {...}} wrapper exposed to callers.
type Envelope struct {
	Error *Error `json:"error"`
}

// Envelope wraps e for serialization.
func (e *Error) Envelope() Envelope {
	return Envelope{Error: e}
}

// Map renders the envelope as a generic map, suitable for structpb and MCP payloads.
func (e *Error) Map() map[string]any {
	inner := map[string]any{
		"type":    string(e.Type),
		"message": e.Message,
	}
	if len(e.Context) > 0 {
		ctx := make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			ctx[k] = v
		}
		inner["context"] = ctx
	}
	return map[string]any{"error": inner}
}

// JSON returns the serialized envelope.
func (e *Error) JSON() []byte {
	b, err := json.Marshal(e.Envelope())
	if err != nil {
		return []byte(`{"error":{"type":"ExecutionFailed","message":"unserializable error"}}`)
	}
	return b
}

// With returns a copy of e with an extra context key.
func (e *Error) With(key string, value any) *Error {
	out := *e
	out.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.Context[key] = value
	return &out
}

// New constructs an Error.
func New(t Type, message string, ctx map[string]any) *Error {
	return &Error{Type: t, Message: truncate(message), Context: ctx}
}

// Newf constructs an Error with a formatted message and no context.
func Newf(t Type, format string, args ...any) *Error {
	return New(t, fmt.Sprintf(format, args...), nil)
}

// Wrap converts err into the given type, keeping its message and chain.
func Wrap(t Type, err error, ctx map[string]any) *Error {
	if err == nil {
		return nil
	}
	e := New(t, err.Error(), ctx)
	e.cause = err
	return e
}

// From converts any error into an *Error. Structured errors pass through.
// Deadline errors become ExecutionTimeout; everything else is ExecutionFailed
// with the original message and Go type preserved.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ExecutionTimeout, err, nil)
	}
	return Wrap(ExecutionFailed, err, map[string]any{
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Is reports whether err is a structured error of type t.
func Is(err error, t Type) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Type == t
	}
	return false
}

// TypeOf returns the structured type of err, or "" when err is nil.
func TypeOf(err error) Type {
	if err == nil {
		return ""
	}
	return From(err).Type
}

// truncate caps s at maxMessageLen bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	i := maxMessageLen
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
