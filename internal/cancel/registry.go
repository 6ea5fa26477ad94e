// Package cancel provides cooperative, keyed cancellation flags shared by
// every run in the process. A run polls [Registry.Signal] at its
// checkpoints; nothing here preempts work already in flight.
package cancel

import (
	"sort"
	"strings"
	"sync"
)

// DefaultUser is substituted when a key is built without a user ID.
const DefaultUser = "default"

// KeyFor returns the cancellation key covering every run of agent for
// user. An empty user maps to [DefaultUser].
func KeyFor(agent, user string) string {
	return agent + ":" + userOrDefault(user)
}

// KeyForRun returns the cancellation key for a single run. An empty
// runID yields the same key as [KeyFor].
func KeyForRun(agent, runID, user string) string {
	if runID == "" {
		return KeyFor(agent, user)
	}
	return agent + ":" + runID + ":" + userOrDefault(user)
}

func userOrDefault(user string) string {
	if u := strings.TrimSpace(user); u != "" {
		return u
	}
	return DefaultUser
}

// Registry holds the set of keys that have a pending cancel request.
// The zero value is ready for use and safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{flags: make(map[string]struct{})}
}

// Request marks key as canceled. Requesting an already-canceled key is
// a no-op.
func (r *Registry) Request(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flags == nil {
		r.flags = make(map[string]struct{})
	}
	r.flags[key] = struct{}{}
}

// Clear removes any pending cancel request for key.
func (r *Registry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, key)
}

// Signal reports whether a cancel request is pending for key. Safe to
// call on a nil receiver, which never signals.
func (r *Registry) Signal(key string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flags[key]
	return ok
}

// Pending returns the keys with outstanding cancel requests, sorted.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.flags))
	for k := range r.flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
