package selector

import (
	"strings"

	"github.com/docker/docker/api/types"
)

// Label suffixes recognized under both namespaces.
const (
	labelEnable      = "enable"
	labelMonitorOnly = "monitor-only"
	labelScope       = "scope"
	labelNoPull      = "no-pull"
	labelStopSignal  = "stop-signal"
)

// Label namespaces. The canonical watcher namespace wins on conflict.
const (
	canonicalNamespace = "com.centurylinklabs.watchtower."
	productNamespace   = "ing.wik.watchz."
)

// Mode is the per-container decision: whether to watch it and under which
// restrictions.
type Mode struct {
	Watch       bool
	MonitorOnly bool
	NoPull      bool
	StopSignal  string
}

// Selector applies the name, scope and label predicates from the
// configuration.
type Selector struct {
	// Names restricts watching to explicitly listed container names.
	Names []string
	// LabelEnable requires an explicit enable=true label.
	LabelEnable bool
	// Scope partitions containers between watcher instances.
	Scope string
	// MonitorOnly and NoPull are the global flags OR-ed into each mode.
	MonitorOnly bool
	NoPull      bool
}

// Select decides the mode for one container. The first eliminating rule
// wins.
func (s *Selector) Select(c types.Container) Mode {
	name := ContainerName(c)

	if len(s.Names) > 0 && !containsName(s.Names, name) {
		return Mode{}
	}

	enable, hasEnable := Label(c.Labels, labelEnable)
	if s.LabelEnable && (!hasEnable || enable != "true") {
		return Mode{}
	}
	if hasEnable && enable == "false" {
		return Mode{}
	}

	if s.Scope != "" {
		scope, _ := Label(c.Labels, labelScope)
		if scope != s.Scope {
			return Mode{}
		}
	}

	monitorOnly, _ := Label(c.Labels, labelMonitorOnly)
	noPull, _ := Label(c.Labels, labelNoPull)
	stopSignal, _ := Label(c.Labels, labelStopSignal)

	return Mode{
		Watch:       true,
		MonitorOnly: s.MonitorOnly || monitorOnly == "true",
		NoPull:      s.NoPull || noPull == "true",
		StopSignal:  stopSignal,
	}
}

// Label looks up a label suffix under both namespaces, canonical first.
func Label(labels map[string]string, suffix string) (string, bool) {
	if v, ok := labels[canonicalNamespace+suffix]; ok {
		return v, true
	}
	if v, ok := labels[productNamespace+suffix]; ok {
		return v, true
	}
	return "", false
}

// ContainerName returns the engine-reported name with the leading slash
// stripped.
func ContainerName(c types.Container) string {
	if len(c.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if strings.TrimPrefix(n, "/") == name {
			return true
		}
	}
	return false
}
