package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"

	"github.com/vigsterkr/watchz/internal/registry"
	"github.com/vigsterkr/watchz/pkg/logger"
	"github.com/vigsterkr/watchz/pkg/ref"
)

// Client wraps the engine API for the update engine. All watcher I/O against
// the engine goes through here.
type Client struct {
	api   *client.Client
	creds *registry.CredentialStore
	log   *logger.Logger
}

// NewClient connects to the engine at host. An empty apiVersion negotiates
// the version with the engine; a non-empty one pins it.
func NewClient(host, apiVersion string, creds *registry.CredentialStore, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithHost(host)}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}
	return &Client{api: cli, creds: creds, log: log}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.api.Close()
}

// Ping verifies the engine is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach the engine: %w", err)
	}
	return nil
}

// Version reports the engine's version information.
func (c *Client) Version(ctx context.Context) (types.Version, error) {
	v, err := c.api.ServerVersion(ctx)
	if err != nil {
		return types.Version{}, fmt.Errorf("failed to read engine version: %w", err)
	}
	return v, nil
}

// ListContainers lists running containers, or all of them when
// includeStopped is set.
func (c *Client) ListContainers(ctx context.Context, includeStopped bool) ([]types.Container, error) {
	containers, err := c.api.ContainerList(ctx, container.ListOptions{All: includeStopped})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}

// InspectContainer returns the full configuration of a container.
func (c *Client) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	details, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	return details, nil
}

// InspectImage returns the engine's record of an image, including its
// registry-published repo digests.
func (c *Client) InspectImage(ctx context.Context, image string) (types.ImageInspect, error) {
	info, _, err := c.api.ImageInspectWithRaw(ctx, image)
	if err != nil {
		return types.ImageInspect{}, fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	return info, nil
}

// PullImage pulls an image and blocks until the engine finishes, discarding
// the streamed progress.
func (c *Client) PullImage(ctx context.Context, image string) error {
	options := types.ImagePullOptions{RegistryAuth: c.encodedAuth(image)}

	stream, err := c.api.ImagePull(ctx, image, options)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer stream.Close()

	// The pull is only complete once the progress stream ends.
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return fmt.Errorf("pull of %s interrupted: %w", image, err)
	}
	return nil
}

// encodedAuth resolves stored credentials for the image's registry into the
// header format the engine expects. Anonymous pulls return "".
func (c *Client) encodedAuth(image string) string {
	r, err := ref.Parse(image)
	if err != nil {
		return ""
	}
	cred, ok := c.creds.Get(r.Registry)
	if !ok {
		return ""
	}
	payload, err := json.Marshal(registrytypes.AuthConfig{
		Username:      cred.Username,
		Password:      cred.Password,
		ServerAddress: r.Registry,
	})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(payload)
}

// StopContainer stops a container, passing the stop signal when one is
// configured. The engine escalates to a kill after the timeout.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration, signal string) error {
	seconds := int(timeout.Seconds())
	err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds, Signal: signal})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer removes a container and optionally its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: removeVolumes})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// CreateContainer creates a container and returns its id.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// NetworkConnect attaches a container to a network.
func (c *Client) NetworkConnect(ctx context.Context, networkID, containerID string, endpoint *network.EndpointSettings) error {
	if err := c.api.NetworkConnect(ctx, networkID, containerID, endpoint); err != nil {
		return fmt.Errorf("failed to connect container %s to network %s: %w", containerID, networkID, err)
	}
	return nil
}

// NetworkDisconnect detaches a container from a network.
func (c *Client) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	if err := c.api.NetworkDisconnect(ctx, networkID, containerID, force); err != nil {
		return fmt.Errorf("failed to disconnect container %s from network %s: %w", containerID, networkID, err)
	}
	return nil
}

// RemoveImage removes an image from the engine's content store.
func (c *Client) RemoveImage(ctx context.Context, id string) error {
	if _, err := c.api.ImageRemove(ctx, id, types.ImageRemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", id, err)
	}
	return nil
}
