package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vigsterkr/watchz/internal/session"
	"github.com/vigsterkr/watchz/pkg/logger"
)

// Level orders notification severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a configuration string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown notification level %q", s)
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Event is one update-engine transition.
type Event struct {
	Level     Level
	Container string
	State     string
	Message   string
	Time      time.Time
}

// Notifier ships events and reports somewhere. The set of implementations
// is closed: slack, discord, smtp and the generic webhook.
type Notifier interface {
	SendEvent(ev Event) error
	SendReport(r *session.Report) error
}

// Sink receives events and per-container results from the update tasks. It
// aggregates the results into the session report and fans the events out to
// the notifiers. It serializes all mutation, so tasks may post concurrently.
type Sink struct {
	mu         sync.Mutex
	report     *session.Report
	notifiers  []Notifier
	minLevel   Level
	sendReport bool
	log        *logger.Logger
}

// NewSink builds a sink dispatching at or above minLevel.
func NewSink(notifiers []Notifier, minLevel Level, sendReport bool, log *logger.Logger) *Sink {
	return &Sink{
		notifiers:  notifiers,
		minLevel:   minLevel,
		sendReport: sendReport,
		log:        log,
	}
}

// BeginSession opens the report for a new scan tick.
func (s *Sink) BeginSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = session.NewReport()
}

// Post builds the event for an update-engine transition and dispatches it to
// every notifier when it clears the minimum level. Events are not stored in
// the session report.
func (s *Sink) Post(level Level, containerName, state, format string, args ...interface{}) {
	ev := Event{
		Level:     level,
		Container: containerName,
		State:     state,
		Message:   fmt.Sprintf(format, args...),
		Time:      time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Level < s.minLevel {
		return
	}
	for _, n := range s.notifiers {
		if err := n.SendEvent(ev); err != nil {
			s.log.Warn("Failed to dispatch %s event for %s: %v", state, containerName, err)
		}
	}
}

// Record adds a per-container result to the session report.
func (s *Sink) Record(res session.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report != nil {
		s.report.Add(res)
	}
}

// EndSession finalizes the report, dispatches it when report notifications
// are enabled, and returns it.
func (s *Sink) EndSession() *session.Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := s.report
	s.report = nil
	if report == nil {
		return nil
	}
	report.Finalize()

	if s.sendReport {
		for _, n := range s.notifiers {
			if err := n.SendReport(report); err != nil {
				s.log.Warn("Failed to dispatch session report: %v", err)
			}
		}
	}
	return report
}
