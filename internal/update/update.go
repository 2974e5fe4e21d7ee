package update

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"

	"github.com/vigsterkr/watchz/internal/engine"
	"github.com/vigsterkr/watchz/internal/notify"
	"github.com/vigsterkr/watchz/internal/registry"
	"github.com/vigsterkr/watchz/internal/selector"
	"github.com/vigsterkr/watchz/internal/session"
	"github.com/vigsterkr/watchz/pkg/logger"
	"github.com/vigsterkr/watchz/pkg/ref"
)

// rollingGap separates consecutive updates under rolling restart.
var rollingGap = 5 * time.Second

// Engine is the engine-client surface the updater drives.
type Engine interface {
	ListContainers(ctx context.Context, includeStopped bool) ([]types.Container, error)
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
	InspectImage(ctx context.Context, image string) (types.ImageInspect, error)
	PullImage(ctx context.Context, image string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration, signal string) error
	RemoveContainer(ctx context.Context, id string, removeVolumes bool) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	NetworkConnect(ctx context.Context, networkID, containerID string, endpoint *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	RemoveImage(ctx context.Context, id string) error
}

// Checker is the registry surface the updater consults for drift.
type Checker interface {
	CheckMany(ctx context.Context, items []registry.CheckItem) []registry.CheckResult
}

// Options are the tick-wide knobs of the update engine.
type Options struct {
	Cleanup        bool
	NoRestart      bool
	IncludeStopped bool
	ReviveStopped  bool
	RollingRestart bool
	StopTimeout    time.Duration
	Parallelism    int
}

// Updater runs the per-container update state machine across one scan tick.
type Updater struct {
	engine   Engine
	checker  Checker
	selector *selector.Selector
	sink     *notify.Sink
	opts     Options
	log      *logger.Logger
}

// New builds an updater. Parallelism defaults to the CPU count.
func New(eng Engine, checker Checker, sel *selector.Selector, sink *notify.Sink, opts Options, log *logger.Logger) *Updater {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Updater{engine: eng, checker: checker, selector: sel, sink: sink, opts: opts, log: log}
}

// target carries one container through the tick.
type target struct {
	container types.Container
	mode      selector.Mode
	current   string
	latest    string
}

// RunTick performs one full scan: list, select, check, update, report.
func (u *Updater) RunTick(ctx context.Context) (*session.Report, error) {
	u.sink.BeginSession()

	containers, err := u.engine.ListContainers(ctx, u.opts.IncludeStopped)
	if err != nil {
		u.sink.EndSession()
		return nil, fmt.Errorf("tick aborted: %w", err)
	}

	var watched []target
	for _, c := range containers {
		mode := u.selector.Select(c)
		if !mode.Watch {
			u.log.Debug("Skipping unwatched container %s", selector.ContainerName(c))
			continue
		}
		watched = append(watched, target{container: c, mode: mode})
	}
	u.log.Debug("Watching %d of %d containers", len(watched), len(containers))

	// Resolve the current manifest digest per container, then run the
	// registry checks as one batch so token fetches are shared.
	var items []registry.CheckItem
	var checkable []*target
	for i := range watched {
		t := &watched[i]
		name := selector.ContainerName(t.container)
		u.sink.Post(notify.LevelDebug, name, "checking", "Checking %s for updates", t.container.Image)

		current, ok := u.currentDigest(ctx, t.container)
		if !ok {
			u.sink.Record(session.Result{
				ContainerID:   t.container.ID,
				ContainerName: name,
				OldImageID:    t.container.ImageID,
				Outcome:       session.OutcomeSkippedLocal,
			})
			continue
		}
		t.current = current
		items = append(items, registry.CheckItem{Image: t.container.Image, CurrentDigest: current})
		checkable = append(checkable, t)
	}

	results := u.checker.CheckMany(ctx, items)

	var batch []target
	for i, cr := range results {
		t := checkable[i]
		name := selector.ContainerName(t.container)
		res := session.Result{
			ContainerID:   t.container.ID,
			ContainerName: name,
			OldImageID:    t.container.ImageID,
			OldDigest:     cr.Check.Current,
			NewDigest:     cr.Check.Latest,
		}

		switch {
		case cr.Err != nil:
			u.sink.Post(notify.LevelError, name, "failed", "Update check failed: %v", cr.Err)
			res.Outcome = session.OutcomeFailed
			res.Error = cr.Err
			u.sink.Record(res)
		case cr.Check.Message == "digest-pinned":
			u.sink.Post(notify.LevelDebug, name, "skipped", "Image %s is digest-pinned", t.container.Image)
			res.Outcome = session.OutcomeSkippedPinned
			u.sink.Record(res)
		case cr.Check.Message == "local image":
			u.sink.Post(notify.LevelDebug, name, "skipped", "Image %s only exists locally", t.container.Image)
			res.Outcome = session.OutcomeSkippedLocal
			u.sink.Record(res)
		case !cr.Check.HasUpdate:
			res.Outcome = session.OutcomeNoUpdate
			u.sink.Record(res)
		case t.mode.MonitorOnly:
			u.sink.Post(notify.LevelInfo, name, "update_available",
				"New image for %s available (%s), monitor only", t.container.Image, cr.Check.Latest)
			res.Outcome = session.OutcomeSkippedMonitor
			u.sink.Record(res)
		default:
			u.sink.Post(notify.LevelInfo, name, "update_available",
				"New image for %s available (%s)", t.container.Image, cr.Check.Latest)
			t.latest = cr.Check.Latest
			batch = append(batch, *t)
		}
	}

	u.updateBatch(ctx, batch)

	report := u.sink.EndSession()
	if report != nil {
		u.log.Info("Session done: %s", report.Summary())
	}
	return report, nil
}

// currentDigest resolves the manifest digest the engine recorded for the
// container's image. The second return is false for local-only images.
func (u *Updater) currentDigest(ctx context.Context, c types.Container) (string, bool) {
	info, err := u.engine.InspectImage(ctx, c.Image)
	if err != nil {
		// Degraded mode: the image id never matches a manifest digest, so
		// drift is assumed and the pull decides.
		u.log.Warn("Cannot inspect image %s, falling back to image id comparison: %v", c.Image, err)
		return c.ImageID, true
	}

	if len(info.RepoDigests) == 0 {
		u.log.Debug("Image %s has no repo digests, locally built", c.Image)
		return "", false
	}
	return matchRepoDigest(info.RepoDigests, c.Image), true
}

// matchRepoDigest picks the repo digest whose repository matches the
// image reference; the first entry is the fallback.
func matchRepoDigest(repoDigests []string, image string) string {
	want, err := ref.Parse(image)
	if err != nil {
		return digestSuffix(repoDigests[0])
	}
	for _, rd := range repoDigests {
		parsed, err := ref.Parse(rd)
		if err != nil {
			continue
		}
		if parsed.Registry == want.Registry && parsed.Path() == want.Path() {
			return parsed.Digest
		}
	}
	return digestSuffix(repoDigests[0])
}

func digestSuffix(repoDigest string) string {
	parsed, err := ref.Parse(repoDigest)
	if err != nil {
		return ""
	}
	return parsed.Digest
}

// updateBatch applies the updates, serialized with a gap under rolling
// restart, otherwise in parallel bounded by the CPU count.
func (u *Updater) updateBatch(ctx context.Context, batch []target) {
	if len(batch) == 0 {
		return
	}

	if u.opts.RollingRestart || len(batch) == 1 {
		for i, t := range batch {
			if i > 0 && !sleepCtx(ctx, rollingGap) {
				u.log.Warn("Cancelled before updating %s", selector.ContainerName(t.container))
				return
			}
			u.sink.Record(u.updateContainer(ctx, t))
		}
		return
	}

	sem := make(chan struct{}, u.opts.Parallelism)
	var wg sync.WaitGroup
	for _, t := range batch {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			u.sink.Record(u.updateContainer(ctx, t))
		}(t)
	}
	wg.Wait()
}

// updateContainer runs the state machine for one container: inspect, pull,
// stop, remove, recreate, reattach, start, cleanup. In-flight states finish;
// a cancelled context stops the machine before the next state.
func (u *Updater) updateContainer(ctx context.Context, t target) session.Result {
	c := t.container
	name := selector.ContainerName(c)
	res := session.Result{
		ContainerID:   c.ID,
		ContainerName: name,
		OldImageID:    c.ImageID,
		OldDigest:     t.current,
		NewDigest:     t.latest,
	}

	fail := func(state string, err error) session.Result {
		u.sink.Post(notify.LevelError, name, "failed", "%s failed: %v", state, err)
		res.Outcome = session.OutcomeFailed
		res.Error = fmt.Errorf("%s: %w", state, err)
		return res
	}

	details, err := u.engine.InspectContainer(ctx, c.ID)
	if err != nil {
		return fail("inspect", err)
	}

	if !t.mode.NoPull {
		if err := ctx.Err(); err != nil {
			return fail("pull", err)
		}
		u.sink.Post(notify.LevelInfo, name, "pulling", "Pulling %s", c.Image)
		if err := u.engine.PullImage(ctx, c.Image); err != nil {
			return fail("pull", err)
		}
		if info, err := u.engine.InspectImage(ctx, c.Image); err == nil {
			res.NewImageID = info.ID
		}
	}

	if u.opts.NoRestart {
		u.sink.Post(notify.LevelInfo, name, "success", "Image %s refreshed, restart disabled", c.Image)
		res.Outcome = session.OutcomeSuccess
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail("stop", err)
	}
	u.sink.Post(notify.LevelInfo, name, "stopping", "Stopping %s", name)
	if err := u.engine.StopContainer(ctx, c.ID, u.opts.StopTimeout, t.mode.StopSignal); err != nil {
		return fail("stop", err)
	}

	if err := ctx.Err(); err != nil {
		return fail("remove", err)
	}
	if err := u.engine.RemoveContainer(ctx, c.ID, false); err != nil {
		// The old container still exists; bring it back up.
		if startErr := u.engine.StartContainer(ctx, c.ID); startErr != nil {
			u.log.Error("Rollback start of %s failed: %v", name, startErr)
		}
		return fail("remove", err)
	}

	if err := ctx.Err(); err != nil {
		return fail("create", err)
	}
	cfg, hostCfg := engine.RecreateConfig(details, c.Image)
	oldShort := engine.ShortID(c.ID)

	var netCfg *network.NetworkingConfig
	initialName, initialEP := engine.InitialNetwork(details)
	if initialEP != nil {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				initialName: engine.ReattachEndpoint(initialEP, oldShort),
			},
		}
	}

	newID, err := u.engine.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if err != nil {
		// The old container is already gone: the workload is lost.
		return fail("create", fmt.Errorf("workload lost, recreate failed: %w", err))
	}

	u.reattachNetworks(ctx, details, name, initialName, newID, oldShort)

	wasRunning := c.State == "running"
	if wasRunning || u.opts.ReviveStopped {
		if err := ctx.Err(); err != nil {
			return fail("start", err)
		}
		u.sink.Post(notify.LevelInfo, name, "starting", "Starting %s", name)
		if err := u.engine.StartContainer(ctx, newID); err != nil {
			if removeErr := u.engine.RemoveContainer(ctx, newID, false); removeErr != nil {
				u.log.Error("Rollback remove of %s failed: %v", name, removeErr)
			}
			return fail("start", err)
		}
	}

	if u.opts.Cleanup && details.Image != "" {
		if err := u.engine.RemoveImage(ctx, details.Image); err != nil {
			u.log.Debug("Cleanup of old image %s failed: %v", details.Image, err)
		}
	}

	u.sink.Post(notify.LevelInfo, name, "success", "Updated %s to %s", name, t.latest)
	res.Outcome = session.OutcomeSuccess
	return res
}

// reattachNetworks restores the original network attachments on the new
// container. Failures here are logged, never terminal.
func (u *Updater) reattachNetworks(ctx context.Context, details types.ContainerJSON, name, initialName, newID, oldShort string) {
	if details.NetworkSettings == nil || len(details.NetworkSettings.Networks) == 0 {
		return
	}
	if details.HostConfig != nil && details.HostConfig.NetworkMode.IsHost() {
		return
	}

	newShort := engine.ShortID(newID)

	// Drop the single network the create call attached, then reconnect
	// every original network with the short-id aliases scrubbed.
	if initialName != "" {
		if err := u.engine.NetworkDisconnect(ctx, initialName, newID, false); err != nil {
			u.log.Warn("Detaching %s from %s failed: %v", name, initialName, err)
		}
	}
	for netName, ep := range details.NetworkSettings.Networks {
		endpoint := engine.ReattachEndpoint(ep, oldShort, newShort)
		if err := u.engine.NetworkConnect(ctx, netName, newID, endpoint); err != nil {
			u.log.Warn("Reattaching %s to %s failed: %v", name, netName, err)
		}
	}
}

// sleepCtx waits for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
