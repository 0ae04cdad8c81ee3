package adapter

import (
	"context"
	"io"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerClient is the slice of the docker API the container adapter needs,
// kept narrow so tests can fake it.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerStop(ctx context.Context, id string, timeoutSeconds int) error
	ContainerKill(ctx context.Context, id string) error
	ContainerRemove(ctx context.Context, id string) error
	// ContainerInspect returns (exists, running, err).
	ContainerInspect(ctx context.Context, nameOrID string) (bool, bool, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string) error
}

// realDockerClient wraps the moby client.
type realDockerClient struct {
	api *client.Client
}

// NewDockerClient connects to the given docker socket, or the default socket
// when empty.
func NewDockerClient(socketPath string) (DockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, client.WithHost("unix://"+socketPath))
	} else {
		opts = append(opts, client.FromEnv)
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &realDockerClient{api: api}, nil
}

func (c *realDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *realDockerClient) ContainerStart(ctx context.Context, id string) error {
	return c.api.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *realDockerClient) ContainerStop(ctx context.Context, id string, timeoutSeconds int) error {
	return c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds})
}

func (c *realDockerClient) ContainerKill(ctx context.Context, id string) error {
	return c.api.ContainerKill(ctx, id, "KILL")
}

func (c *realDockerClient) ContainerRemove(ctx context.Context, id string) error {
	return c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (c *realDockerClient) ContainerInspect(ctx context.Context, nameOrID string) (bool, bool, error) {
	inspect, err := c.api.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, false, nil
		}
		return false, false, err
	}
	running := inspect.State != nil && inspect.State.Running
	return true, running, nil
}

func (c *realDockerClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realDockerClient) ImagePull(ctx context.Context, ref string) error {
	reader, err := c.api.ImagePull(ctx, ref, dockertypes.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, reader)
	return err
}
