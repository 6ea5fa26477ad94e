package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Transport delivers JSON-RPC messages to one engine.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
	Notify(ctx context.Context, notif *Notification) error
	Close() error
}

// ErrUnreachable marks failures where the engine could not be reached
// or did not answer with a usable HTTP response.
var ErrUnreachable = errors.New("engine unreachable")

// TransportError wraps a delivery failure. It matches ErrUnreachable.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrUnreachable.
func (e *TransportError) Is(target error) bool { return target == ErrUnreachable }
