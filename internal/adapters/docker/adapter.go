package docker

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/horockey/go-toolbox/options"
	"github.com/rs/zerolog"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/sdss/fliswarm/internal/core/ports"
)

var _ ports.NodeHandle = &Handle{}

// Handle implements ports.NodeHandle against the Docker engine of one node.
type Handle struct {
	node      string
	container string
	cli       *client.Client
	params    handleParams
	logger    zerolog.Logger
}

// NewHandle connects to the node's runtime endpoint. containerName is the
// name of the camera container on that node.
func NewHandle(node domain.NodeDescriptor, containerName string, opts ...Option) (*Handle, error) {
	params := defaultHandleParams()
	if err := options.ApplyOptions(&params, opts...); err != nil {
		return nil, fmt.Errorf("applying opts: %w", err)
	}

	if node.RuntimeEndpoint == "" {
		return nil, domain.ErrNoRuntimeEndpoint
	}

	clientOpts := append([]client.Opt{
		client.WithHost(node.RuntimeEndpoint),
		client.WithAPIVersionNegotiation(),
	}, params.clientOpts...)

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client for %s: %w", node.RuntimeEndpoint, err)
	}

	return &Handle{
		node:      node.Name,
		container: containerName,
		cli:       cli,
		params:    params,
		logger: params.logger.With().
			Str("scope", "docker_handle").
			Str("node", node.Name).
			Logger(),
	}, nil
}

// Factory returns a ports.HandleFactory opening one Handle per node, naming
// containers after tmpl.
func Factory(tmpl domain.ContainerTemplate, opts ...Option) ports.HandleFactory {
	return func(node domain.NodeDescriptor) (ports.NodeHandle, error) {
		h, err := NewHandle(node, tmpl.ContainerName(node.Name), opts...)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Start makes sure the container is running. A running container is left
// alone; a stopped one is removed and recreated from spec, along with its
// volumes when spec.RecreateVolumes is set.
func (h *Handle) Start(ctx context.Context, spec domain.ContainerSpec, timeout time.Duration) domain.NodeOutcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := h.cli.ContainerInspect(ctx, spec.Name)
	switch {
	case err == nil && info.ContainerJSONBase != nil && info.State != nil && info.State.Running:
		return domain.Succeeded("already running", domain.ContainerRunning)
	case err == nil:
		h.logger.Debug().Str("container", spec.Name).Msg("removing stale container")
		if err := h.cli.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return translate(err, "removing stale container")
		}
	case !errdefs.IsNotFound(err):
		return translate(err, "inspecting container")
	}

	for _, vol := range spec.Volumes {
		if err := h.ensureVolume(ctx, vol, spec.RecreateVolumes); err != nil {
			return translate(err, "ensuring volume "+vol.Name)
		}
	}

	if spec.Pull {
		if err := h.pull(ctx, spec.Image); err != nil {
			return translate(err, "pulling image "+spec.Image)
		}
	}

	resp, err := h.cli.ContainerCreate(ctx, containerConfig(h.node, spec), hostConfig(spec), nil, nil, spec.Name)
	if err != nil {
		return translate(err, "creating container")
	}

	if err := h.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return translate(err, "starting container")
	}

	h.logger.Info().
		Str("container", spec.Name).
		Str("image", spec.Image).
		Msg("container started")

	return domain.Succeeded("started", domain.ContainerRunning)
}

// Stop asks the engine to stop the container without a kill deadline. If the
// container has not exited within timeout it is killed when force is set,
// otherwise the call fails with a timeout.
func (h *Handle) Stop(ctx context.Context, timeout time.Duration, force bool) domain.NodeOutcome {
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := h.cli.ContainerInspect(stopCtx, h.container)
	switch {
	case errdefs.IsNotFound(err):
		return domain.Succeeded("not present", domain.ContainerAbsent)
	case err != nil:
		return translate(err, "inspecting container")
	case info.ContainerJSONBase == nil || info.State == nil || !info.State.Running:
		return domain.Succeeded("already stopped", domain.ContainerStopped)
	}

	noKill := -1
	err = h.cli.ContainerStop(stopCtx, h.container, container.StopOptions{Timeout: &noKill})
	switch {
	case err == nil:
		return domain.Succeeded("stopped", domain.ContainerStopped)
	case errdefs.IsNotFound(err):
		return domain.Succeeded("not present", domain.ContainerAbsent)
	case !isTimeout(err):
		return translate(err, "stopping container")
	case !force:
		return domain.Failed(domain.ErrTimeout, "")
	}

	h.logger.Warn().
		Str("container", h.container).
		Dur("timeout", timeout).
		Msg("graceful stop timed out, killing container")

	killCtx, cancelKill := context.WithTimeout(ctx, h.params.killTimeout)
	defer cancelKill()

	err = h.cli.ContainerKill(killCtx, h.container, "SIGKILL")
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		return translate(err, "killing container")
	}

	return domain.Succeeded("killed", domain.ContainerStopped)
}

// Restart stops then starts the container. A failed stop aborts the restart
// unless force is set; a start that succeeds after a failed stop is reported
// as degraded.
func (h *Handle) Restart(ctx context.Context, spec domain.ContainerSpec, timeout time.Duration, force bool) domain.NodeOutcome {
	stopped := h.Stop(ctx, timeout, force)
	if !stopped.Success && !force {
		stopped.Detail = "stopping: " + stopped.Detail
		return stopped
	}

	started := h.Start(ctx, spec, timeout)
	if !started.Success {
		return started
	}

	started.Detail = "restarted"
	if !stopped.Success {
		started.Degraded = true
		started.Detail = "restarted after failed stop: " + stopped.Detail
	}
	return started
}

// Remove deletes the container. A running container is only removed with force.
func (h *Handle) Remove(ctx context.Context, timeout time.Duration, force bool) domain.NodeOutcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := h.cli.ContainerRemove(ctx, h.container, container.RemoveOptions{Force: force})
	switch {
	case err == nil:
		return domain.Succeeded("removed", domain.ContainerAbsent)
	case errdefs.IsNotFound(err):
		return domain.Succeeded("not present", domain.ContainerAbsent)
	}
	return translate(err, "removing container")
}

// Status inspects the container, bounded by the handle's status timeout.
func (h *Handle) Status(ctx context.Context) domain.NodeOutcome {
	ctx, cancel := context.WithTimeout(ctx, h.params.statusTimeout)
	defer cancel()

	info, err := h.cli.ContainerInspect(ctx, h.container)
	switch {
	case errdefs.IsNotFound(err):
		return domain.Succeeded(string(domain.ContainerAbsent), domain.ContainerAbsent)
	case err != nil:
		return translate(err, "inspecting container")
	case info.ContainerJSONBase == nil || info.State == nil:
		return domain.Succeeded("unknown", domain.ContainerUnknown)
	}

	return domain.Succeeded(info.State.Status, domain.ContainerStatusFromState(info.State.Status))
}

// Close releases the engine client.
func (h *Handle) Close() error {
	return h.cli.Close()
}

// ensureVolume creates the volume if missing. With recreate an existing
// volume is removed first.
func (h *Handle) ensureVolume(ctx context.Context, vol domain.VolumeSpec, recreate bool) error {
	_, err := h.cli.VolumeInspect(ctx, vol.Name)
	switch {
	case err == nil && !recreate:
		return nil
	case err == nil:
		if err := h.cli.VolumeRemove(ctx, vol.Name, true); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		h.logger.Info().Str("volume", vol.Name).Msg("volume removed for recreation")
	case !errdefs.IsNotFound(err):
		return err
	}

	_, err = h.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:       vol.Name,
		Driver:     vol.Driver,
		DriverOpts: vol.Opts,
	})
	if err != nil {
		return err
	}

	h.logger.Info().Str("volume", vol.Name).Msg("volume created")
	return nil
}

func (h *Handle) pull(ctx context.Context, image string) error {
	reader, err := h.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	return jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil)
}

func containerConfig(node string, spec domain.ContainerSpec) *container.Config {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	return &container.Config{
		Image: spec.Image,
		Env:   env,
		Tty:   true,
		Labels: map[string]string{
			"fliswarm.node": node,
		},
	}
}

func hostConfig(spec domain.ContainerSpec) *container.HostConfig {
	mounts := make([]mount.Mount, 0, len(spec.Volumes))
	for _, vol := range spec.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: vol.Name,
			Target: vol.MountTarget(),
		})
	}

	return &container.HostConfig{
		Privileged:  spec.Privileged,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Mounts:      mounts,
	}
}
