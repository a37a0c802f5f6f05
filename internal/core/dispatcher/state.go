package dispatcher

import (
	"maps"
	"sync"

	"github.com/sdss/fliswarm/internal/core/domain"
)

// nodeGuard serializes NodeState writes for one node. Every operation takes a
// ticket per target at dispatch; a commit is applied only when its ticket is
// newer than the last committed one, so an older operation can never
// overwrite the state left by a newer one.
type nodeGuard struct {
	mu        sync.Mutex
	issued    uint64
	committed uint64
	state     domain.NodeState
}

func (g *nodeGuard) ticket() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.issued++
	return g.issued
}

func (g *nodeGuard) commit(ticket uint64, apply func(*domain.NodeState)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ticket <= g.committed {
		return false
	}
	g.committed = ticket
	apply(&g.state)
	return true
}

func (g *nodeGuard) snapshot() domain.NodeState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

type stateTable struct {
	mu     sync.Mutex
	guards map[string]*nodeGuard
}

func newStateTable() *stateTable {
	return &stateTable{guards: map[string]*nodeGuard{}}
}

// guard returns the node's guard, creating it on first use.
func (t *stateTable) guard(name string) *nodeGuard {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, found := t.guards[name]
	if !found {
		g = &nodeGuard{}
		t.guards[name] = g
	}
	return g
}

func (t *stateTable) lookup(name string) (domain.NodeState, bool) {
	t.mu.Lock()
	g, found := t.guards[name]
	t.mu.Unlock()

	if !found {
		return domain.NodeState{}, false
	}
	return g.snapshot(), true
}

func (t *stateTable) snapshot() map[string]domain.NodeState {
	t.mu.Lock()
	guards := maps.Clone(t.guards)
	t.mu.Unlock()

	out := make(map[string]domain.NodeState, len(guards))
	for name, g := range guards {
		out[name] = g.snapshot()
	}
	return out
}
