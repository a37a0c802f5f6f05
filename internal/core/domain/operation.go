package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Kind is the verb an Operation applies to every targeted node.
type Kind string

const (
	KindStart    Kind = "start"
	KindStop     Kind = "stop"
	KindRestart  Kind = "restart"
	KindRemove   Kind = "remove"
	KindReboot   Kind = "reboot"
	KindPowerOn  Kind = "powerOn"
	KindPowerOff Kind = "powerOff"
	KindPing     Kind = "ping"
	KindStatus   Kind = "status"
)

var kinds = []Kind{
	KindStart, KindStop, KindRestart, KindRemove,
	KindReboot, KindPowerOn, KindPowerOff,
	KindPing, KindStatus,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// IsLifecycle reports whether the kind is a container lifecycle verb.
func (k Kind) IsLifecycle() bool {
	switch k {
	case KindStart, KindStop, KindRestart, KindRemove:
		return true
	}
	return false
}

// IsPower reports whether the kind goes through the power-control bridge.
func (k Kind) IsPower() bool {
	_, ok := k.PowerAction()
	return ok
}

// PowerAction returns the power action for power kinds.
func (k Kind) PowerAction() (PowerAction, bool) {
	switch k {
	case KindReboot:
		return PowerReboot, true
	case KindPowerOn:
		return PowerOn, true
	case KindPowerOff:
		return PowerOff, true
	}
	return "", false
}

// PowerAction is a hard power action delegated to the power actor.
type PowerAction string

const (
	PowerReboot PowerAction = "reboot"
	PowerOn     PowerAction = "on"
	PowerOff    PowerAction = "off"
)

// Operation is one caller request: a single verb applied to a node set.
type Operation struct {
	Kind Kind
	// Nodes lists explicit targets. Empty means all enabled nodes
	// (or every node of Category when Category is set).
	Nodes    []string
	Category string
	// Force bypasses the enabled check, escalates graceful stops and allows
	// one retry after a timeout.
	Force   bool
	Timeout time.Duration
}

// NodeOutcome is the result of an Operation on a single node.
type NodeOutcome struct {
	Success   bool            `json:"success"`
	Detail    string          `json:"detail"`
	Elapsed   time.Duration   `json:"elapsed"`
	Err       error           `json:"-"`
	Container ContainerStatus `json:"container,omitempty"`
	Degraded  bool            `json:"degraded,omitempty"`
	Attempts  int             `json:"attempts"`
}

// Succeeded builds a successful outcome.
func Succeeded(detail string, status ContainerStatus) NodeOutcome {
	return NodeOutcome{Success: true, Detail: detail, Container: status}
}

// Failed builds a failed outcome. kind must be one of the Err* sentinels;
// detail defaults to the kind's message.
func Failed(kind error, detail string) NodeOutcome {
	if detail == "" {
		detail = kind.Error()
	}
	return NodeOutcome{Success: false, Detail: detail, Err: kind}
}

// Is reports whether the outcome failed with the given kind.
func (o NodeOutcome) Is(kind error) bool {
	return o.Err != nil && errors.Is(o.Err, kind)
}

// FleetResult is the aggregated outcome of one Operation. It has exactly one
// entry per targeted node; map order carries no meaning.
type FleetResult struct {
	OperationID string                 `json:"operation_id"`
	Kind        Kind                   `json:"kind"`
	Outcomes    map[string]NodeOutcome `json:"outcomes"`
}

// OK reports whether every node succeeded.
func (r FleetResult) OK() bool {
	for _, o := range r.Outcomes {
		if !o.Success {
			return false
		}
	}
	return true
}

// Failed returns the sorted names of the nodes that failed.
func (r FleetResult) Failed() []string {
	var names []string
	for name, o := range r.Outcomes {
		if !o.Success {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
