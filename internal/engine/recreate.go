package engine

import (
	"sort"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

// RecreateConfig maps an inspected container onto the create payload for its
// replacement. The config fields (hostname, user, working dir, env, cmd,
// entrypoint, labels, exposed ports, volumes) and the host-config fields
// (binds, port bindings, restart policy, network mode, privileged, links,
// auto-remove, publish-all-ports, cap add/drop) are carried over verbatim,
// with only the image substituted. Other host-config settings, such as
// resource limits, devices, mounts and DNS options, are not copied.
func RecreateConfig(details types.ContainerJSON, newImage string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{Image: newImage}
	if old := details.Config; old != nil {
		cfg.Hostname = old.Hostname
		cfg.User = old.User
		cfg.WorkingDir = old.WorkingDir
		cfg.Env = old.Env
		cfg.Cmd = old.Cmd
		cfg.Entrypoint = old.Entrypoint
		cfg.Labels = old.Labels
		cfg.ExposedPorts = old.ExposedPorts
		cfg.Volumes = old.Volumes
	}

	hostCfg := &container.HostConfig{}
	if details.ContainerJSONBase != nil && details.HostConfig != nil {
		old := details.HostConfig
		hostCfg.Binds = old.Binds
		hostCfg.PortBindings = old.PortBindings
		hostCfg.RestartPolicy = old.RestartPolicy
		hostCfg.NetworkMode = old.NetworkMode
		hostCfg.Privileged = old.Privileged
		hostCfg.Links = old.Links
		hostCfg.AutoRemove = old.AutoRemove
		hostCfg.PublishAllPorts = old.PublishAllPorts
		hostCfg.CapAdd = old.CapAdd
		hostCfg.CapDrop = old.CapDrop
	}

	return cfg, hostCfg
}

// InitialNetwork picks the single network the create call may carry: the
// one named by the network mode when the container was attached to it,
// otherwise the first attached network by name. Containers with no
// networks return "".
func InitialNetwork(details types.ContainerJSON) (string, *network.EndpointSettings) {
	if details.NetworkSettings == nil || len(details.NetworkSettings.Networks) == 0 {
		return "", nil
	}
	networks := details.NetworkSettings.Networks

	if details.HostConfig != nil {
		if ep, ok := networks[string(details.HostConfig.NetworkMode)]; ok {
			return string(details.HostConfig.NetworkMode), ep
		}
	}

	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0], networks[names[0]]
}

// ReattachEndpoint builds the endpoint config for reconnecting a network,
// keeping the original aliases except the engine-injected short container
// ids.
func ReattachEndpoint(ep *network.EndpointSettings, scrubIDs ...string) *network.EndpointSettings {
	out := &network.EndpointSettings{NetworkID: ep.NetworkID}
	for _, alias := range ep.Aliases {
		if containsString(scrubIDs, alias) {
			continue
		}
		out.Aliases = append(out.Aliases, alias)
	}
	return out
}

// ShortID is the 12-character id prefix the engine uses for alias
// injection.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
