package domain

import "time"

// NodeDescriptor is the static connection description of one node.
type NodeDescriptor struct {
	Name            string `json:"name"`
	Host            string `json:"host"`
	RuntimeEndpoint string `json:"runtime_endpoint"`
	Category        string `json:"category"`
	PowerDevice     string `json:"power_device,omitempty"`
	PowerActor      string `json:"power_actor,omitempty"`
	Port            int    `json:"port,omitempty"`
	Enabled         bool   `json:"enabled"`
}

// NodeState is the runtime view of a node. It lives in memory only and is
// re-derived by the next probe or status call after a restart.
type NodeState struct {
	Reachable   bool            `json:"reachable"`
	ProbedAt    time.Time       `json:"probed_at"`
	Container   ContainerStatus `json:"container"`
	LastError   string          `json:"last_error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	OperationID string          `json:"operation_id"`
}

// NodeReport pairs a node's descriptor with its current runtime state.
type NodeReport struct {
	NodeDescriptor
	State NodeState `json:"state"`
}
