package warmup

import (
	"fmt"
	"io"
	"time"

	"github.com/sparqlkit/prewarm/pkg/backend"
)

// State is the orchestrator's position in a warmup run.
type State int

const (
	StateIdle State = iota
	StateClearing
	StateRunning
	StateClearingUnpinned
	StateReporting
	StateDone
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClearing:
		return "clearing"
	case StateRunning:
		return "running"
	case StateClearingUnpinned:
		return "clearing_unpinned"
	case StateReporting:
		return "reporting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome classifies a single warmup step.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeConfigError Outcome = "config_error"
)

// StepResult records one warmup step.
type StepResult struct {
	Name       string
	Outcome    Outcome
	ResultSize int64
	Elapsed    time.Duration
	Err        error
}

// Report aggregates everything a warmup run did. Created at the start of a
// run, owned exclusively by it.
type Report struct {
	RunID       string
	State       State
	Steps       []StepResult
	StatsBefore *backend.CacheStats
	StatsAfter  *backend.CacheStats
	Warnings    []string
	Err         error
	Started     time.Time
	Finished    time.Time
}

// AddWarning records a non-fatal diagnostic.
func (r *Report) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// NumFailed counts steps that did not succeed.
func (r *Report) NumFailed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome != OutcomeSucceeded {
			n++
		}
	}
	return n
}

// Succeeded reports whether the run completed with every step succeeding.
func (r *Report) Succeeded() bool {
	return r.State == StateDone && r.NumFailed() == 0
}

// Failed reports whether the run aborted on an unrecoverable error, as
// opposed to completing with individual step failures.
func (r *Report) Failed() bool {
	return r.State == StateFailed
}

// Write renders the report in a human-readable form.
func (r *Report) Write(w io.Writer) {
	fmt.Fprintf(w, "Warmup run %s: %s\n", r.RunID, r.State)
	if r.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", r.Err)
	}
	for _, step := range r.Steps {
		switch step.Outcome {
		case OutcomeSucceeded:
			fmt.Fprintf(w, "  [ok]      %-50s %8d rows  %s\n", step.Name, step.ResultSize, step.Elapsed.Round(time.Millisecond))
		default:
			fmt.Fprintf(w, "  [%s]  %-50s %v\n", step.Outcome, step.Name, step.Err)
		}
	}
	writeStats := func(label string, stats *backend.CacheStats) {
		if stats == nil {
			return
		}
		fmt.Fprintf(w, "  cache %s: %d entries (%d pinned), %d bytes\n",
			label, stats.NumEntries, stats.NumPinned, stats.SizeBytes)
	}
	writeStats("before", r.StatsBefore)
	writeStats("after", r.StatsAfter)
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}
