// Package chaos runs fault injection experiments against a running kiosk.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
}

// Metric defines a measurable kiosk property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a fault injection or recovery step
type Action struct {
	Type    string // outage, latency, concurrent-requests
	Target  string
	Execute func(context.Context) error
}

// Assertion is checked against the last sample of Metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult captures experiment execution data
type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Engine orchestrates chaos experiments
type Engine struct {
	tracer      trace.Tracer
	runs        metric.Int64Counter
	recovery    metric.Float64Histogram
	interval    time.Duration
	pause       time.Duration
	out         io.Writer
	experiments []Experiment
	results     []ExperimentResult
	mu          sync.Mutex
}

type EngineOption func(*Engine)

// WithSampleInterval sets how often metrics are sampled while observing.
func WithSampleInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.interval = d }
}

// WithPause sets the wait between game day experiments.
func WithPause(d time.Duration) EngineOption {
	return func(e *Engine) { e.pause = d }
}

func WithOutput(w io.Writer) EngineOption {
	return func(e *Engine) { e.out = w }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		tracer:   otel.Tracer("cardkiosk/chaos"),
		interval: time.Second,
		pause:    5 * time.Second,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter("cardkiosk/chaos")
	var err error
	if e.runs, err = meter.Int64Counter("chaos.experiments",
		metric.WithDescription("Chaos experiments run, by outcome")); err != nil {
		otel.Handle(err)
	}
	if e.recovery, err = meter.Float64Histogram("chaos.mttr",
		metric.WithDescription("Time to recover after fault injection"),
		metric.WithUnit("s")); err != nil {
		otel.Handle(err)
	}
	return e
}

// RegisterExperiment adds an experiment to the suite
func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns the results of every completed experiment.
func (e *Engine) Results() []ExperimentResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ExperimentResult(nil), e.results...)
}

// RunExperiment executes a single chaos experiment
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
		),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	// Phase 1: steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	// Phase 2: inject
	span.AddEvent("injecting_chaos")
	e.runActions(ctx, exp.Method, result)

	// Phase 3: observe
	span.AddEvent("observing_system")
	var recoveryStart time.Time
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	ticker := time.NewTicker(e.interval)
	observing := true
	for observing {
		select {
		case <-observationCtx.Done():
			observing = false
		case <-ticker.C:
			e.sample(ctx, exp.SteadyState, result, &recoveryStart)
		}
	}
	ticker.Stop()
	cancel()

	// Phase 4: rollback
	span.AddEvent("rolling_back")
	e.runActions(ctx, exp.Rollback, result)

	// Phase 5: one sample after recovery
	e.sample(ctx, exp.SteadyState, result, &recoveryStart)

	// Phase 6: assertions
	span.AddEvent("validating_assertions")
	result.FailedAssertions = e.validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("experiment.name", exp.Name),
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
	)
	e.runs.Add(ctx, 1, attrs)
	if result.MTTR != nil {
		e.recovery.Record(ctx, result.MTTR.Seconds(), attrs)
	}

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)

	return result, nil
}

func (e *Engine) runActions(ctx context.Context, actions []Action, result *ExperimentResult) {
	span := trace.SpanFromContext(ctx)
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}
}

// sample records one observation per metric. The first threshold violation
// starts the recovery clock; the first clean sample after it stops it.
func (e *Engine) sample(ctx context.Context, metrics []Metric, result *ExperimentResult, recoveryStart *time.Time) {
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: metric.Name,
			})
			continue
		}

		result.Observations[metric.Name] = append(
			result.Observations[metric.Name],
			DataPoint{Timestamp: time.Now(), Value: value},
		)

		if !evaluateThreshold(value, metric.Threshold) {
			if recoveryStart.IsZero() {
				*recoveryStart = time.Now()
			}
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		} else if !recoveryStart.IsZero() && result.MTTR == nil {
			mttr := time.Since(*recoveryStart)
			result.MTTR = &mttr
		}
	}
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}

		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

func (e *Engine) validateAssertions(assertions []Assertion, result *ExperimentResult) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			failed = append(failed, fmt.Sprintf("%s (no observations of %s)", assertion.Message, assertion.Metric))
			continue
		}

		finalValue := observations[len(observations)-1].Value
		if !assertion.Condition(finalValue) {
			failed = append(failed, fmt.Sprintf("%s (%s = %.2f)", assertion.Message, assertion.Metric, finalValue))
		}
	}
	return failed
}

// GameDay is a series of chaos experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
}

// ExecuteGameDay runs every scenario and returns an error if any hypothesis
// did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) error {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(
			attribute.String("gameday.name", gameDay.Name),
		),
	)
	defer span.End()

	fmt.Fprintf(e.out, "Starting game day: %s\n", gameDay.Name)
	fmt.Fprintf(e.out, "Date: %s\n", gameDay.Date.Format(time.RFC3339))

	failed := 0
	for i, scenario := range gameDay.Scenarios {
		if i > 0 && e.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.pause):
			}
		}

		fmt.Fprintf(e.out, "\nExperiment %d/%d: %s\n", i+1, len(gameDay.Scenarios), scenario.Name)
		fmt.Fprintf(e.out, "Hypothesis: %s\n", scenario.Hypothesis)

		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			fmt.Fprintf(e.out, "Experiment failed: %v\n", err)
			failed++
			continue
		}

		e.printExperimentResult(result)
		if !result.HypothesisHeld {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d experiments did not hold", failed, len(gameDay.Scenarios))
	}
	return nil
}

func (e *Engine) printExperimentResult(result *ExperimentResult) {
	if result.HypothesisHeld {
		fmt.Fprintf(e.out, "Hypothesis held\n")
	} else {
		fmt.Fprintf(e.out, "Hypothesis violated\n")
		for _, msg := range result.FailedAssertions {
			fmt.Fprintf(e.out, "   - %s\n", msg)
		}
	}

	if len(result.Violations) > 0 {
		fmt.Fprintf(e.out, "Threshold violations while faulted: %d\n", len(result.Violations))
	}
	for _, ev := range result.ErrorEvents {
		fmt.Fprintf(e.out, "   ! %s: %s\n", ev.Component, ev.Error)
	}

	if result.MTTR != nil {
		fmt.Fprintf(e.out, "MTTR: %s\n", *result.MTTR)
	}

	fmt.Fprintf(e.out, "Duration: %s\n", result.Duration)
}
