package domain

import (
	"maps"
	"strings"
)

// ContainerStatus is the last observed state of a node's camera container.
type ContainerStatus string

const (
	ContainerUnknown ContainerStatus = ""
	ContainerAbsent  ContainerStatus = "absent"
	ContainerCreated ContainerStatus = "created"
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
	ContainerError   ContainerStatus = "error"
)

// ContainerStatusFromState maps a Docker engine state string (running, exited, ...)
// onto a ContainerStatus.
func ContainerStatusFromState(state string) ContainerStatus {
	switch strings.ToLower(state) {
	case "running", "restarting", "paused":
		return ContainerRunning
	case "created":
		return ContainerCreated
	case "exited", "removing":
		return ContainerStopped
	case "dead":
		return ContainerError
	default:
		return ContainerUnknown
	}
}

// VolumeSpec describes a named volume mounted into the container.
// The volume is created on the node engine if it does not exist yet.
type VolumeSpec struct {
	Name   string            `json:"name"`
	Driver string            `json:"driver"`
	Opts   map[string]string `json:"opts"`
	Target string            `json:"target"`
}

// MountTarget returns the path the volume is mounted at inside the container.
// Defaults to the volume's device option (":/data" mounts at "/data").
func (v VolumeSpec) MountTarget() string {
	if v.Target != "" {
		return v.Target
	}
	if dev := strings.TrimLeft(v.Opts["device"], ":"); dev != "" {
		return dev
	}
	return "/" + v.Name
}

// ContainerSpec is everything a Remote Node Handle needs to (re)create the
// camera container on one node.
type ContainerSpec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Env         map[string]string `json:"env"`
	Volumes     []VolumeSpec      `json:"volumes"`
	Privileged  bool              `json:"privileged"`
	NetworkMode string            `json:"network_mode"`
	Pull        bool              `json:"pull"`

	// RecreateVolumes removes existing volumes and creates them anew
	// before the container is created.
	RecreateVolumes bool `json:"recreate_volumes,omitempty"`
}

// ContainerTemplate is the site-wide container configuration from which
// per-node specs are derived.
type ContainerTemplate struct {
	NamePrefix  string
	Image       string
	Registry    string
	Env         map[string]string
	Volumes     []VolumeSpec
	Privileged  bool
	NetworkMode string
	Pull        bool
}

// ContainerName returns the container name used on the given node.
func (t ContainerTemplate) ContainerName(node string) string {
	return t.NamePrefix + "-" + node
}

// SpecFor builds the container spec for one node of the given site.
func (t ContainerTemplate) SpecFor(site string, node NodeDescriptor) ContainerSpec {
	image := t.Image
	if t.Registry != "" {
		image = strings.TrimSuffix(t.Registry, "/") + "/" + image
	}

	env := make(map[string]string, len(t.Env)+2)
	maps.Copy(env, t.Env)
	env["ACTOR_NAME"] = node.Name
	env["OBSERVATORY"] = site

	return ContainerSpec{
		Name:        t.ContainerName(node.Name),
		Image:       image,
		Env:         env,
		Volumes:     t.Volumes,
		Privileged:  t.Privileged,
		NetworkMode: t.NetworkMode,
		Pull:        t.Pull,
	}
}
