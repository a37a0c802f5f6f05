package ports

import (
	"context"
	"time"

	"github.com/sdss/fliswarm/internal/core/domain"
)

// NodeHandle issues container lifecycle verbs against one node's runtime.
// Implementations translate every runtime-specific failure into a
// domain.NodeOutcome, so callers never see heterogeneous errors.
// A handle holds only connection state and may be reused across operations.
type NodeHandle interface {
	Start(ctx context.Context, spec domain.ContainerSpec, timeout time.Duration) domain.NodeOutcome
	Stop(ctx context.Context, timeout time.Duration, force bool) domain.NodeOutcome
	Restart(ctx context.Context, spec domain.ContainerSpec, timeout time.Duration, force bool) domain.NodeOutcome
	Remove(ctx context.Context, timeout time.Duration, force bool) domain.NodeOutcome
	// Status never blocks longer than the handle's own short status bound.
	Status(ctx context.Context) domain.NodeOutcome
	Close() error
}

// HandleFactory opens a handle for a node. It is called at most once per
// (node, runtime endpoint) pair and the handle is cached.
type HandleFactory func(node domain.NodeDescriptor) (NodeHandle, error)

// Prober checks node reachability without touching container state.
type Prober interface {
	Probe(ctx context.Context, node domain.NodeDescriptor, timeout time.Duration) bool
}

// PowerController delegates hard power actions to the external power actor.
type PowerController interface {
	PowerAction(ctx context.Context, node domain.NodeDescriptor, action domain.PowerAction, timeout time.Duration) domain.NodeOutcome
}
