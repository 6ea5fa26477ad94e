package tools

import "context"

// Gate decides whether a tool may be called on behalf of a run. A
// non-nil error refuses the call. Composite tools, such as the
// workflow runner, consult the gate before every nested dispatch so
// the invoking run's policy still applies.
type Gate func(name string) error

type gateKey struct{}

// WithGate returns a context carrying g.
func WithGate(ctx context.Context, g Gate) context.Context {
	return context.WithValue(ctx, gateKey{}, g)
}

// GateFrom returns the gate carried by ctx, or nil.
func GateFrom(ctx context.Context) Gate {
	g, _ := ctx.Value(gateKey{}).(Gate)
	return g
}

// Permit reports whether ctx's gate allows name. Without a gate every
// call is allowed.
func Permit(ctx context.Context, name string) error {
	if g := GateFrom(ctx); g != nil {
		return g(name)
	}
	return nil
}
