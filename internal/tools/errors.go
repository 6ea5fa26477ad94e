package tools

import (
	"errors"
	"fmt"
)

// Dispatch failure kinds, as reported in structured tool results.
const (
	KindToolNotFound  = "tool_not_found"
	KindEngineOffline = "engine_offline"
	KindToolCallError = "tool_call_error"
	KindToolRefused   = "tool_refused"
)

// Sentinels matched with errors.Is.
var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrEngineOffline = errors.New("tool engine offline")
)

// ErrToolUnavailable is returned when a call targets a tool that is not
// registered. It matches ErrToolNotFound.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// Is reports whether target is ErrToolNotFound.
func (e *ErrToolUnavailable) Is(target error) bool {
	return target == ErrToolNotFound
}

// EngineOfflineError is returned when the engine backing a tool is not
// reachable. It matches ErrEngineOffline.
type EngineOfflineError struct {
	Engine string
	Tool   string
	Err    error
}

// Error implements the error interface.
func (e *EngineOfflineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %q for tool %q is offline: %v", e.Engine, e.Tool, e.Err)
	}
	return fmt.Sprintf("engine %q for tool %q is offline", e.Engine, e.Tool)
}

// Is reports whether target is ErrEngineOffline.
func (e *EngineOfflineError) Is(target error) bool {
	return target == ErrEngineOffline
}

// Unwrap returns the underlying transport error, if any.
func (e *EngineOfflineError) Unwrap() error { return e.Err }

// ErrorKind classifies a dispatch error. Anything that is not a missing
// tool, an offline engine, or a policy refusal is a tool call error.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrToolNotFound):
		return KindToolNotFound
	case errors.Is(err, ErrEngineOffline):
		return KindEngineOffline
	case errors.Is(err, ErrToolRefused):
		return KindToolRefused
	default:
		return KindToolCallError
	}
}

// ErrorResult is the structured result fed back to the decision source
// in place of a failed call's output.
func ErrorResult(err error) map[string]any {
	return map[string]any{
		"error":   ErrorKind(err),
		"message": err.Error(),
	}
}

// ErrToolRefused is returned when a run's policy forbids a tool.
var ErrToolRefused = errors.New("tool refused by policy")

// RefusedError carries the message shown to the decision source when a
// tool is refused. It matches ErrToolRefused.
type RefusedError struct {
	Tool    string
	Message string
}

// Error implements the error interface.
func (e *RefusedError) Error() string { return e.Message }

// Is reports whether target is ErrToolRefused.
func (e *RefusedError) Is(target error) bool {
	return target == ErrToolRefused
}
