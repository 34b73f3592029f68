package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/interfaces"
)

// Runtime implements interfaces.ContainerRuntime against the docker/docker
// client: a constructor taking the client plus one method per lifecycle
// step (create network, start, stop, remove), with resource limits
// translated into the client's container.Resources fields.
type Runtime struct {
	docker     *client.Client
	gatewayCID string
	logger     *common.Logger
}

// NewRuntime wraps an already-connected Docker client. gatewayContainerID
// names the always-running egress gateway container that gets connected
// to each job-private network.
func NewRuntime(docker *client.Client, gatewayContainerID string, logger *common.Logger) *Runtime {
	return &Runtime{docker: docker, gatewayCID: gatewayContainerID, logger: logger}
}

// CreateNetwork creates an internal (egress-blocked) bridge network
// scoped to a single job.
func (r *Runtime) CreateNetwork(ctx context.Context, name string) (string, error) {
	resp, err := r.docker.NetworkCreate(ctx, name, dockernetwork.CreateOptions{
		Driver:   "bridge",
		Internal: true,
	})
	if err != nil {
		return "", fmt.Errorf("sandbox: create network %s: %w", name, err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes the job-private network created by CreateNetwork.
func (r *Runtime) RemoveNetwork(ctx context.Context, networkID string) error {
	if err := r.docker.NetworkRemove(ctx, networkID); err != nil {
		return fmt.Errorf("sandbox: remove network %s: %w", networkID, err)
	}
	return nil
}

// ConnectGateway attaches the egress gateway container to networkID so it
// becomes the sole path into the job's defense container.
func (r *Runtime) ConnectGateway(ctx context.Context, networkID string) error {
	if err := r.docker.NetworkConnect(ctx, networkID, r.gatewayCID, nil); err != nil {
		return fmt.Errorf("sandbox: connect gateway to network %s: %w", networkID, err)
	}
	return nil
}

// DisconnectGateway detaches the egress gateway container from networkID
// during teardown.
func (r *Runtime) DisconnectGateway(ctx context.Context, networkID string) error {
	if err := r.docker.NetworkDisconnect(ctx, networkID, r.gatewayCID, true); err != nil {
		return fmt.Errorf("sandbox: disconnect gateway from network %s: %w", networkID, err)
	}
	return nil
}

// StartContainer starts the defense container with a full hardening
// profile: read-only rootfs, non-root user, all capabilities dropped,
// no-new-privileges, memory/CPU/pids caps, size-capped tmpfs mounts, and
// JSON log rotation.
func (r *Runtime) StartContainer(ctx context.Context, spec interfaces.ContainerSpec) (string, error) {
	tmpfsOpts := fmt.Sprintf("size=%dm", spec.TmpfsSizeMB)

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		NetworkMode:    container.NetworkMode(spec.NetworkID),
		Resources: container.Resources{
			Memory:    spec.MemLimitB,
			NanoCPUs:  spec.NanoCPUs,
			PidsLimit: &spec.PidsLimit,
		},
		Tmpfs: map[string]string{
			"/tmp":     tmpfsOpts,
			"/run":     tmpfsOpts,
			"/var/tmp": tmpfsOpts,
		},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": "10m",
				"max-file": "3",
			},
		},
	}

	containerCfg := &container.Config{
		Image: spec.ImageRef,
		User:  "1000:1000",
	}

	created, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("sandbox: create container %s: %w", spec.Name, err)
	}

	if err := r.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("sandbox: start container %s: %w", spec.Name, err)
	}

	return created.ID, nil
}

// StopContainer stops a container, allowing grace before SIGKILL.
func (r *Runtime) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := r.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("sandbox: stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a stopped container.
func (r *Runtime) RemoveContainer(ctx context.Context, containerID string) error {
	if err := r.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("sandbox: remove container %s: %w", containerID, err)
	}
	return nil
}

// ImageSizeBytes returns the uncompressed size of imageRef, used by Phase
// F's max_uncompressed_size_mb bound.
func (r *Runtime) ImageSizeBytes(ctx context.Context, imageRef string) (int64, error) {
	inspect, _, err := r.docker.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return 0, fmt.Errorf("sandbox: inspect image %s: %w", imageRef, err)
	}
	return inspect.Size, nil
}
