package ports

import (
	"context"

	"github.com/sdss/fliswarm/internal/core/domain"
)

// FleetService is the programmatic command API of the manager. Transport
// adapters (HTTP, actor protocols) translate their requests into these calls.
type FleetService interface {
	// Execute fails only for request-shape errors; per-node failures are
	// reported inside the FleetResult.
	Execute(ctx context.Context, op domain.Operation) (domain.FleetResult, error)
	// Nodes lists every node of the active site together with its runtime state.
	Nodes() []domain.NodeReport
	// SetEnabled enables or disables nodes of the active site. With all set,
	// names is ignored and every node is affected.
	SetEnabled(names []string, all bool, enabled bool) error
}
