package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what happened to one container during a scan tick.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkippedMonitor Outcome = "skipped_monitor"
	OutcomeSkippedPinned  Outcome = "skipped_pinned"
	OutcomeSkippedLocal   Outcome = "skipped_local"
	OutcomeNoUpdate       Outcome = "no_update"
)

// Status classifies the tick as a whole.
type Status string

const (
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

// Result is the per-container record of a scan tick.
type Result struct {
	ContainerID   string
	ContainerName string
	OldImageID    string
	NewImageID    string
	Outcome       Outcome
	Error         error
	OldDigest     string
	NewDigest     string
}

// Report aggregates one scan tick. It is mutated only through the event
// sink, which serializes access.
type Report struct {
	SessionID   string
	StartTime   time.Time
	EndTime     time.Time
	Scanned     int
	WithUpdates int
	Updated     int
	Failed      int
	Results     []Result
	Status      Status
}

// NewReport opens a report for a new scan tick.
func NewReport() *Report {
	return &Report{
		SessionID: fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8]),
		StartTime: time.Now(),
		Status:    StatusRunning,
	}
}

// Add records one container result and updates the counters.
func (r *Report) Add(res Result) {
	r.Results = append(r.Results, res)
	r.Scanned++
	switch res.Outcome {
	case OutcomeSuccess:
		r.WithUpdates++
		r.Updated++
	case OutcomeFailed:
		r.WithUpdates++
		r.Failed++
	case OutcomeSkippedMonitor:
		r.WithUpdates++
	}
}

// Finalize stamps the end time and classifies the tick: completed when
// nothing failed, failed when nothing succeeded, partial otherwise.
func (r *Report) Finalize() {
	r.EndTime = time.Now()
	switch {
	case r.Failed == 0:
		r.Status = StatusCompleted
	case r.Updated > 0:
		r.Status = StatusPartialFailure
	default:
		r.Status = StatusFailed
	}
}

// Summary renders the one-line operator summary.
func (r *Report) Summary() string {
	return fmt.Sprintf("scanned %d, updates available %d, updated %d, failed %d",
		r.Scanned, r.WithUpdates, r.Updated, r.Failed)
}
