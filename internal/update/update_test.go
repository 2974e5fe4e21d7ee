package update

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigsterkr/watchz/internal/notify"
	"github.com/vigsterkr/watchz/internal/registry"
	"github.com/vigsterkr/watchz/internal/selector"
	"github.com/vigsterkr/watchz/internal/session"
	"github.com/vigsterkr/watchz/pkg/logger"
)

var (
	digestOld = "sha256:" + strings.Repeat("a", 64)
	digestNew = "sha256:" + strings.Repeat("b", 64)
)

// fakeEngine records every engine call and fails the ones the test arms.
type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	containers []types.Container
	details    map[string]types.ContainerJSON
	images     map[string]types.ImageInspect

	failPull   error
	failStop   error
	failRemove map[string]error
	failStart  map[string]error
	failCreate error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		details:    make(map[string]types.ContainerJSON),
		images:     make(map[string]types.ImageInspect),
		failRemove: make(map[string]error),
		failStart:  make(map[string]error),
	}
}

func (f *fakeEngine) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.calls))
	for i, c := range f.calls {
		names[i], _, _ = strings.Cut(c, ":")
	}
	return names
}

func (f *fakeEngine) ListContainers(ctx context.Context, includeStopped bool) ([]types.Container, error) {
	f.record("list")
	return f.containers, nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.record("inspect_container:%s", id)
	d, ok := f.details[id]
	if !ok {
		return types.ContainerJSON{}, fmt.Errorf("no such container %s", id)
	}
	return d, nil
}

func (f *fakeEngine) InspectImage(ctx context.Context, image string) (types.ImageInspect, error) {
	f.record("inspect_image:%s", image)
	info, ok := f.images[image]
	if !ok {
		return types.ImageInspect{}, fmt.Errorf("no such image %s", image)
	}
	return info, nil
}

func (f *fakeEngine) PullImage(ctx context.Context, image string) error {
	f.record("pull:%s", image)
	return f.failPull
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration, signal string) error {
	f.record("stop:%s", id)
	return f.failStop
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	f.record("remove:%s", id)
	return f.failRemove[id]
}

func (f *fakeEngine) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	f.record("create:%s", name)
	if f.failCreate != nil {
		return "", f.failCreate
	}
	return "new-" + name, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error {
	f.record("start:%s", id)
	return f.failStart[id]
}

func (f *fakeEngine) NetworkConnect(ctx context.Context, networkID, containerID string, endpoint *network.EndpointSettings) error {
	f.record("connect:%s", networkID)
	return nil
}

func (f *fakeEngine) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	f.record("disconnect:%s", networkID)
	return nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, id string) error {
	f.record("remove_image:%s", id)
	return nil
}

// fakeChecker answers update checks from a canned table.
type fakeChecker struct {
	results map[string]registry.CheckResult
}

func (f *fakeChecker) CheckMany(ctx context.Context, items []registry.CheckItem) []registry.CheckResult {
	out := make([]registry.CheckResult, len(items))
	for i, item := range items {
		res, ok := f.results[item.Image]
		if !ok {
			res = registry.CheckResult{Image: item.Image, Err: errors.New("unexpected check")}
		}
		out[i] = res
	}
	return out
}

func webContainer() types.Container {
	return types.Container{
		ID:      "old-web-id-0123456789",
		Names:   []string{"/web"},
		Image:   "nginx",
		ImageID: "sha256:local-image-id",
		State:   "running",
	}
}

func webDetails() types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "old-web-id-0123456789",
			Name:  "/web",
			Image: "sha256:old-image-id",
			HostConfig: &container.HostConfig{
				NetworkMode: "bridge",
			},
		},
		Config: &container.Config{
			Image: "nginx",
			Env:   []string{"A=1"},
		},
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"bridge": {
					NetworkID: "net-1",
					Aliases:   []string{"web-alias", "old-web-id-01"},
				},
			},
		},
	}
}

func newTestUpdater(eng *fakeEngine, checker *fakeChecker, opts Options) *Updater {
	log := logger.New()
	sink := notify.NewSink(nil, notify.LevelInfo, false, log)
	return New(eng, checker, &selector.Selector{}, sink, opts, log)
}

func imageInfo() types.ImageInspect {
	return types.ImageInspect{
		ID:          "sha256:local-image-id",
		RepoDigests: []string{"nginx@" + digestOld},
	}
}

func TestTickNoDrift(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = imageInfo()

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{Current: digestOld, Latest: digestOld}},
	}}

	u := newTestUpdater(eng, checker, Options{})
	report, err := u.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, session.OutcomeNoUpdate, report.Results[0].Outcome)
	assert.Equal(t, session.StatusCompleted, report.Status)

	names := eng.callNames()
	assert.NotContains(t, names, "pull")
	assert.NotContains(t, names, "stop")
	assert.NotContains(t, names, "create")
}

func TestTickHappyUpdate(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = imageInfo()
	eng.details["old-web-id-0123456789"] = webDetails()

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{
			HasUpdate: true, Current: digestOld, Latest: digestNew,
		}},
	}}

	u := newTestUpdater(eng, checker, Options{})
	report, err := u.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, session.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "web", res.ContainerName)
	assert.Equal(t, digestOld, res.OldDigest)
	assert.Equal(t, digestNew, res.NewDigest)
	assert.Equal(t, session.StatusCompleted, report.Status)

	names := eng.callNames()
	for _, expected := range []string{"inspect_container", "pull", "stop", "remove", "create", "disconnect", "connect", "start"} {
		assert.Contains(t, names, expected)
	}
	// The mutation sequence is strictly ordered.
	assert.True(t, indexOf(names, "pull") < indexOf(names, "stop"))
	assert.True(t, indexOf(names, "stop") < indexOf(names, "remove"))
	assert.True(t, indexOf(names, "remove") < indexOf(names, "create"))
	assert.True(t, indexOf(names, "create") < indexOf(names, "start"))
}

func TestTickMonitorOnly(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = imageInfo()

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{
			HasUpdate: true, Current: digestOld, Latest: digestNew,
		}},
	}}

	u := New(eng, checker, &selector.Selector{MonitorOnly: true},
		notify.NewSink(nil, notify.LevelInfo, false, logger.New()), Options{}, logger.New())

	report, err := u.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, session.OutcomeSkippedMonitor, report.Results[0].Outcome)

	names := eng.callNames()
	assert.NotContains(t, names, "pull")
	assert.NotContains(t, names, "stop")
	assert.NotContains(t, names, "create")
	assert.NotContains(t, names, "start")
}

func TestTickSkipsLocalImages(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = types.ImageInspect{ID: "sha256:local-image-id"}

	u := newTestUpdater(eng, &fakeChecker{}, Options{})
	report, err := u.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, session.OutcomeSkippedLocal, report.Results[0].Outcome)
}

func TestPullFailureMutatesNothing(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = imageInfo()
	eng.details["old-web-id-0123456789"] = webDetails()
	eng.failPull = errors.New("registry down")

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{HasUpdate: true, Current: digestOld, Latest: digestNew}},
	}}

	u := newTestUpdater(eng, checker, Options{})
	report, err := u.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, session.OutcomeFailed, report.Results[0].Outcome)
	assert.Equal(t, session.StatusFailed, report.Status)

	names := eng.callNames()
	assert.NotContains(t, names, "stop")
	assert.NotContains(t, names, "remove")
	assert.NotContains(t, names, "create")
}

func TestRemoveFailureRollsBackOldContainer(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = imageInfo()
	eng.details["old-web-id-0123456789"] = webDetails()
	eng.failRemove["old-web-id-0123456789"] = errors.New("device busy")

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{HasUpdate: true, Current: digestOld, Latest: digestNew}},
	}}

	u := newTestUpdater(eng, checker, Options{})
	report, err := u.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, session.OutcomeFailed, res.Outcome)
	assert.ErrorContains(t, res.Error, "device busy")

	// Rollback restarted the old container; nothing was created.
	assert.Contains(t, eng.calls, "start:old-web-id-0123456789")
	assert.NotContains(t, eng.callNames(), "create")
}

func TestStartFailureRemovesNewContainer(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = imageInfo()
	eng.details["old-web-id-0123456789"] = webDetails()
	eng.failStart["new-web"] = errors.New("entrypoint missing")

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{HasUpdate: true, Current: digestOld, Latest: digestNew}},
	}}

	u := newTestUpdater(eng, checker, Options{})
	report, err := u.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, session.OutcomeFailed, res.Outcome)
	assert.ErrorContains(t, res.Error, "entrypoint missing")
	assert.Equal(t, session.StatusFailed, report.Status)

	// The replacement was rolled back.
	assert.Contains(t, eng.calls, "remove:new-web")
}

func TestRollingRestartSerializesWithGap(t *testing.T) {
	oldGap := rollingGap
	rollingGap = 60 * time.Millisecond
	defer func() { rollingGap = oldGap }()

	second := webContainer()
	second.ID = "old-db-id-9876543210"
	second.Names = []string{"/db"}

	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer(), second}
	eng.images["nginx"] = imageInfo()
	eng.details["old-web-id-0123456789"] = webDetails()
	dbDetails := webDetails()
	dbDetails.ID = second.ID
	dbDetails.Name = "/db"
	eng.details[second.ID] = dbDetails

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{HasUpdate: true, Current: digestOld, Latest: digestNew}},
	}}

	u := newTestUpdater(eng, checker, Options{RollingRestart: true})

	start := time.Now()
	report, err := u.RunTick(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.Equal(t, session.OutcomeSuccess, res.Outcome)
	}

	// Two updates with one gap between them.
	assert.GreaterOrEqual(t, elapsed, rollingGap)

	// Serialized: the second create only happens after the first start.
	names := eng.callNames()
	firstStart := indexOf(names, "start")
	lastCreate := lastIndexOf(names, "create")
	assert.True(t, firstStart < lastCreate, "updates overlapped under rolling restart")
}

func TestNoRestartStopsAfterPull(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = imageInfo()
	eng.details["old-web-id-0123456789"] = webDetails()

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{HasUpdate: true, Current: digestOld, Latest: digestNew}},
	}}

	u := newTestUpdater(eng, checker, Options{NoRestart: true})
	report, err := u.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, session.OutcomeSuccess, report.Results[0].Outcome)

	names := eng.callNames()
	assert.Contains(t, names, "pull")
	assert.NotContains(t, names, "stop")
	assert.NotContains(t, names, "create")
}

func TestCleanupRemovesOldImage(t *testing.T) {
	eng := newFakeEngine()
	eng.containers = []types.Container{webContainer()}
	eng.images["nginx"] = imageInfo()
	eng.details["old-web-id-0123456789"] = webDetails()

	checker := &fakeChecker{results: map[string]registry.CheckResult{
		"nginx": {Image: "nginx", Check: registry.UpdateCheck{HasUpdate: true, Current: digestOld, Latest: digestNew}},
	}}

	u := newTestUpdater(eng, checker, Options{Cleanup: true})
	_, err := u.RunTick(context.Background())
	require.NoError(t, err)

	assert.Contains(t, eng.calls, "remove_image:sha256:old-image-id")
}

func TestMatchRepoDigest(t *testing.T) {
	repoDigests := []string{
		"docker.io/library/nginx@" + digestOld,
		"mirror.example.com/library/nginx@" + digestNew,
	}
	assert.Equal(t, digestOld, matchRepoDigest(repoDigests, "nginx"))
	assert.Equal(t, digestNew, matchRepoDigest(repoDigests, "mirror.example.com/library/nginx"))

	// No match falls back to the first entry.
	assert.Equal(t, digestOld, matchRepoDigest(repoDigests, "ghcr.io/other/repo"))
}

func indexOf(haystack []string, needle string) int {
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	return -1
}

func lastIndexOf(haystack []string, needle string) int {
	for i := len(haystack) - 1; i >= 0; i-- {
		if haystack[i] == needle {
			return i
		}
	}
	return -1
}
