// Package warmup sequences a full cache warmup pass against a backend:
// clear everything, run the workload with result pinning, clear unpinned
// entries, report cache statistics. Warmup is best effort: a failing step is
// recorded and the run continues; only losing the backend altogether fails
// the run.
package warmup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sparqlkit/prewarm/pkg/backend"
	"github.com/sparqlkit/prewarm/pkg/errors"
	"github.com/sparqlkit/prewarm/pkg/infrastructure/metrics"
	"github.com/sparqlkit/prewarm/pkg/workload"
)

// AdminClient is the backend surface the orchestrator needs.
type AdminClient interface {
	Submit(ctx context.Context, query string, opts backend.SubmitOptions) (*backend.QueryResult, error)
	ClearAll(ctx context.Context) error
	ClearUnpinned(ctx context.Context) error
	Stats(ctx context.Context) (*backend.CacheStats, error)
}

// Options configures a warmup run.
type Options struct {
	// Pin marks every warmup result as exempt from unpinned-clears.
	Pin bool
	// SendLimit caps transferred rows per query; warmup only needs the
	// caching side effect.
	SendLimit int
	// MaxConsecutiveTimeouts is how many timeouts in a row are treated as
	// the backend being unreachable. Zero means the default of 3.
	MaxConsecutiveTimeouts int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxConsecutiveTimeouts <= 0 {
		opts.MaxConsecutiveTimeouts = 3
	}
	return opts
}

// Orchestrator runs warmup passes. A single run owns its WarmupRun state
// exclusively; concurrent runs against the same backend are not coordinated.
type Orchestrator struct {
	client    AdminClient
	workload  *workload.Workload
	logger    zerolog.Logger
	collector metrics.Collector
	opts      Options
}

// New creates an orchestrator.
func New(client AdminClient, wl *workload.Workload, logger zerolog.Logger, collector metrics.Collector, opts Options) *Orchestrator {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &Orchestrator{
		client:    client,
		workload:  wl,
		logger:    logger,
		collector: collector,
		opts:      opts.withDefaults(),
	}
}

// Run executes one warmup pass and returns its report. The report is always
// non-nil; inspect Report.State and Report.Steps for the outcome.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	report := &Report{
		RunID:   uuid.NewString(),
		State:   StateIdle,
		Started: time.Now(),
	}
	logger := o.logger.With().Str("run_id", report.RunID).Logger()

	defer func() {
		report.Finished = time.Now()
		o.recordRunMetrics(report)
		logger.Info().
			Str("state", report.State.String()).
			Int("steps", len(report.Steps)).
			Int("failed", report.NumFailed()).
			Dur("elapsed", report.Finished.Sub(report.Started)).
			Msg("Warmup run finished")
	}()

	// Clearing: start from an empty cache so pinned entries reflect only
	// this workload.
	o.transition(report, &logger, StateClearing)
	if err := o.client.ClearAll(ctx); err != nil {
		if o.fatal(report, &logger, err, "clearing cache") {
			return report
		}
		report.AddWarning(fmt.Sprintf("clear cache: %v", err))
	}

	if stats, err := o.client.Stats(ctx); err != nil {
		if o.fatal(report, &logger, err, "fetching initial statistics") {
			return report
		}
		report.AddWarning(fmt.Sprintf("initial cache statistics: %v", err))
	} else {
		report.StatsBefore = stats
	}

	// Running(i): every step executes regardless of earlier step failures.
	consecutiveTimeouts := 0
	runStep := func(i int, name, query string, renderErr error) bool {
		o.transitionRunning(report, &logger, i)
		step := o.executeStep(ctx, name, query, renderErr)
		report.Steps = append(report.Steps, step)
		o.recordStepMetrics(step)

		switch step.Outcome {
		case OutcomeTimedOut:
			consecutiveTimeouts++
			if consecutiveTimeouts >= o.opts.MaxConsecutiveTimeouts {
				o.fail(report, &logger, errors.Wrapf(step.Err, errors.CodeTransport,
					"%d consecutive timeouts, backend considered unreachable", consecutiveTimeouts))
				return false
			}
		case OutcomeFailed:
			if errors.IsTransport(step.Err) {
				o.fail(report, &logger, step.Err)
				return false
			}
			consecutiveTimeouts = 0
		default:
			consecutiveTimeouts = 0
		}
		return true
	}

	queries := o.workload.Queries()
	for i, q := range queries {
		query, warnings, renderErr := o.workload.Render(i)
		for _, w := range warnings {
			report.AddWarning(w.Message)
		}
		if !runStep(i, q.Name, query, renderErr) {
			return report
		}
	}
	for j, predicate := range o.workload.PinPredicates() {
		name := "Pin predicate " + predicate
		query := predicateScanQuery(predicate)
		if !runStep(len(queries)+j, name, query, nil) {
			return report
		}
	}

	// ClearingUnpinned: drop everything the workload did not pin.
	o.transition(report, &logger, StateClearingUnpinned)
	if err := o.client.ClearUnpinned(ctx); err != nil {
		if o.fatal(report, &logger, err, "clearing unpinned entries") {
			return report
		}
		report.AddWarning(fmt.Sprintf("clear unpinned: %v", err))
	}

	// Reporting: final statistics. A parse failure here is a warning, the
	// pinning work is already done.
	o.transition(report, &logger, StateReporting)
	if stats, err := o.client.Stats(ctx); err != nil {
		if o.fatal(report, &logger, err, "fetching final statistics") {
			return report
		}
		report.AddWarning(fmt.Sprintf("final cache statistics: %v", err))
	} else {
		report.StatsAfter = stats
	}

	o.transition(report, &logger, StateDone)
	return report
}

// executeStep runs one warmup step. A render failure is recorded as a config
// outcome without touching the network.
func (o *Orchestrator) executeStep(ctx context.Context, name, query string, renderErr error) StepResult {
	step := StepResult{Name: name}
	if renderErr != nil {
		step.Outcome = OutcomeConfigError
		step.Err = renderErr
		o.logger.Error().Err(renderErr).Str("step", name).Msg("Step cannot be rendered")
		return step
	}

	result, err := o.client.Submit(ctx, query, backend.SubmitOptions{
		Pin:       o.opts.Pin,
		SendLimit: o.opts.SendLimit,
	})
	if err != nil {
		if errors.IsTimeout(err) {
			step.Outcome = OutcomeTimedOut
		} else {
			step.Outcome = OutcomeFailed
		}
		step.Err = err
		o.logger.Warn().Err(err).Str("step", name).Str("outcome", string(step.Outcome)).Msg("Step failed")
		return step
	}

	step.Outcome = OutcomeSucceeded
	step.ResultSize = result.ResultSize
	step.Elapsed = result.Elapsed
	o.logger.Info().
		Str("step", name).
		Int64("resultsize", result.ResultSize).
		Dur("elapsed", result.Elapsed).
		Msg("Step completed")
	return step
}

// fatal handles an error from a clear/stats call: transport failures move
// the run to Failed and return true, anything else is left to the caller.
func (o *Orchestrator) fatal(report *Report, logger *zerolog.Logger, err error, what string) bool {
	if errors.IsTransport(err) {
		o.fail(report, logger, errors.Wrapf(err, errors.CodeTransport, "while %s", what))
		return true
	}
	return false
}

func (o *Orchestrator) fail(report *Report, logger *zerolog.Logger, err error) {
	report.State = StateFailed
	report.Err = err
	logger.Error().Err(err).Msg("Warmup run failed")
}

func (o *Orchestrator) transition(report *Report, logger *zerolog.Logger, next State) {
	logger.Debug().Str("from", report.State.String()).Str("to", next.String()).Msg("State transition")
	report.State = next
}

func (o *Orchestrator) transitionRunning(report *Report, logger *zerolog.Logger, i int) {
	logger.Debug().Str("from", report.State.String()).Int("step", i).Msg("State transition to Running")
	report.State = StateRunning
}

func (o *Orchestrator) recordStepMetrics(step StepResult) {
	o.collector.IncrementCounter("warmup_steps_total", "outcome", string(step.Outcome))
	if step.Outcome == OutcomeSucceeded {
		o.collector.RecordHistogram("warmup_step_duration_seconds", step.Elapsed.Seconds())
	}
}

func (o *Orchestrator) recordRunMetrics(report *Report) {
	o.collector.IncrementCounter("warmup_runs_total", "state", report.State.String())
	if report.StatsAfter != nil {
		o.collector.RecordGauge("backend_cache_entries", float64(report.StatsAfter.NumEntries))
		o.collector.RecordGauge("backend_cache_pinned_entries", float64(report.StatsAfter.NumPinned))
		o.collector.RecordGauge("backend_cache_size_bytes", float64(report.StatsAfter.SizeBytes))
	}
}

// predicateScanQuery builds the scan whose result gets pinned for a
// frequent predicate.
func predicateScanQuery(predicate string) string {
	return fmt.Sprintf("SELECT ?subject ?object WHERE { ?subject %s ?object }", predicate)
}
