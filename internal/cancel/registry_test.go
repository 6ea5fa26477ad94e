package cancel

import (
	"fmt"
	"sync"
	"testing"
)

func TestKeyFor(t *testing.T) {
	tests := []struct {
		agent, user string
		want        string
	}{
		{"researcher", "alice", "researcher:alice"},
		{"researcher", "", "researcher:default"},
		{"researcher", "   ", "researcher:default"},
	}
	for _, tt := range tests {
		if got := KeyFor(tt.agent, tt.user); got != tt.want {
			t.Errorf("KeyFor(%q, %q) = %q, want %q", tt.agent, tt.user, got, tt.want)
		}
	}
}

func TestKeyForRun(t *testing.T) {
	if got := KeyForRun("researcher", "run-1", "bob"); got != "researcher:run-1:bob" {
		t.Errorf("KeyForRun = %q, want %q", got, "researcher:run-1:bob")
	}
	if got := KeyForRun("researcher", "run-1", ""); got != "researcher:run-1:default" {
		t.Errorf("KeyForRun default user = %q", got)
	}
	if got, want := KeyForRun("researcher", "", "bob"), KeyFor("researcher", "bob"); got != want {
		t.Errorf("KeyForRun without run ID = %q, want %q", got, want)
	}
}

func TestRequestSignalClear(t *testing.T) {
	r := New()
	key := KeyForRun("a", "r1", "")

	if r.Signal(key) {
		t.Fatal("Signal before Request = true, want false")
	}
	r.Request(key)
	r.Request(key)
	if !r.Signal(key) {
		t.Fatal("Signal after Request = false, want true")
	}
	if !r.Signal(key) {
		t.Fatal("Signal is not sticky until Clear")
	}
	r.Clear(key)
	if r.Signal(key) {
		t.Fatal("Signal after Clear = true, want false")
	}
	// Clearing an absent key is a no-op.
	r.Clear(key)
	r.Clear("never-set")
}

func TestZeroValueRegistry(t *testing.T) {
	var r Registry
	r.Request("k")
	if !r.Signal("k") {
		t.Error("zero-value registry did not record request")
	}
}

func TestNilRegistrySignal(t *testing.T) {
	var r *Registry
	if r.Signal("k") {
		t.Error("nil registry signaled")
	}
}

func TestPendingSorted(t *testing.T) {
	r := New()
	r.Request("b")
	r.Request("a")
	r.Request("c")
	r.Clear("c")
	got := r.Pending()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Pending() = %v, want [a b]", got)
	}
}

func TestConcurrentRequestClear(t *testing.T) {
	r := New()
	const workers = 32

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("agent:run-%d:default", i)
			for range 100 {
				r.Request(key)
				if !r.Signal(key) {
					t.Errorf("key %s: Signal false right after Request", key)
					return
				}
				r.Clear(key)
			}
			r.Request(key)
		}(i)
	}
	wg.Wait()

	for i := range workers {
		key := fmt.Sprintf("agent:run-%d:default", i)
		if !r.Signal(key) {
			t.Errorf("key %s: final Request lost", key)
		}
	}
}
