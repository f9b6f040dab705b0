// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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
	// Duration is how long the fault stays injected.
	Duration time.Duration
	// Settle bounds the wait for the assertions to hold after rollback.
	Settle         time.Duration
	SampleInterval time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action represents a fault injection or recovery action
type Action struct {
	Type    string // partition, heal, latency, concurrent-loans
	Target  string
	Execute func(context.Context) error
}

// Assertion validates experiment outcome against the latest sample of
// Metric.
type Assertion struct {
	Metric    string
	Query     func(context.Context) (float64, error)
	Condition func(float64) bool
	Message   string
}

type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	Failed           []string               `json:"failed_assertions,omitempty"`
	// MTTR is the time from rollback until every assertion held.
	MTTR *time.Duration `json:"mttr,omitempty"`
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

var ErrSteadyState = errors.New("steady state invalid, aborting experiment")

// Engine orchestrates chaos experiments
type Engine struct {
	tracer      trace.Tracer
	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine() *Engine {
	return &Engine{tracer: otel.Tracer("libralink/chaos")}
}

func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single chaos experiment
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	interval := exp.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyState
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	e.execute(ctx, exp.Method, result)

	span.AddEvent("observing_system")
	e.observe(ctx, exp, interval, result)

	span.AddEvent("rolling_back")
	e.execute(ctx, exp.Rollback, result)
	rolledBack := time.Now()

	span.AddEvent("validating_assertions")
	result.HypothesisHeld = e.settle(ctx, exp, interval, result)
	if result.HypothesisHeld {
		mttr := time.Since(rolledBack)
		result.MTTR = &mttr
	}
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) steadyState(ctx context.Context, metrics []Metric) []MetricViolation {
	var violations []MetricViolation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !m.Threshold.Holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: m.Name,
				Expected:   m.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return violations
}

func (e *Engine) execute(ctx context.Context, actions []Action, result *Result) {
	for _, a := range actions {
		if err := a.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: a.Target,
			})
			trace.SpanFromContext(ctx).RecordError(err)
		}
	}
}

// observe samples the steady-state metrics while the fault is active.
// Violations are expected here and only recorded.
func (e *Engine) observe(ctx context.Context, exp Experiment, interval time.Duration, result *Result) {
	observeCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-observeCtx.Done():
			return
		case <-ticker.C:
			for _, m := range exp.SteadyState {
				value, ok := e.sample(ctx, m.Name, m.Query, result)
				if ok && !m.Threshold.Holds(value) {
					result.Violations = append(result.Violations, MetricViolation{
						MetricName: m.Name,
						Expected:   m.Threshold.Value,
						Actual:     value,
						Timestamp:  time.Now(),
					})
				}
			}
		}
	}
}

func (e *Engine) sample(ctx context.Context, name string, query func(context.Context) (float64, error), result *Result) (float64, bool) {
	value, err := query(ctx)
	if err != nil {
		result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: name})
		return 0, false
	}
	result.Observations[name] = append(result.Observations[name], DataPoint{Timestamp: time.Now(), Value: value})
	return value, true
}

// settle polls the assertions until all of them hold or exp.Settle runs
// out.
func (e *Engine) settle(ctx context.Context, exp Experiment, interval time.Duration, result *Result) bool {
	deadline := time.Now().Add(exp.Settle)
	for {
		var failed []string
		for _, a := range exp.Validation {
			value, ok := e.sample(ctx, a.Metric, a.Query, result)
			if !ok || !a.Condition(value) {
				failed = append(failed, a.Message)
			}
		}
		result.Failed = failed
		if len(failed) == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	// Pause is the wait between experiments.
	Pause time.Duration
}

// ExecuteGameDay runs every scenario in order and writes a report to w.
// It returns the number of experiments whose hypothesis did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, gd GameDay, w io.Writer) (int, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gd.Name)))
	defer span.End()

	fmt.Fprintf(w, "Game Day: %s (%s)\n", gd.Name, gd.Date.Format(time.RFC3339))
	failed := 0
	for i, scenario := range gd.Scenarios {
		if i > 0 && gd.Pause > 0 {
			select {
			case <-ctx.Done():
				return failed, ctx.Err()
			case <-time.After(gd.Pause):
			}
		}
		fmt.Fprintf(w, "\nExperiment %d/%d: %s\nHypothesis: %s\n", i+1, len(gd.Scenarios), scenario.Name, scenario.Hypothesis)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			fmt.Fprintf(w, "Experiment aborted: %v\n", err)
			failed++
			continue
		}
		if !result.HypothesisHeld {
			failed++
		}
		PrintResult(w, result)
	}
	return failed, nil
}

func PrintResult(w io.Writer, result *Result) {
	if result.HypothesisHeld {
		fmt.Fprintln(w, "Hypothesis held")
	} else {
		fmt.Fprintln(w, "Hypothesis violated")
		for _, msg := range result.Failed {
			fmt.Fprintf(w, "   - %s\n", msg)
		}
	}
	if len(result.Violations) > 0 {
		fmt.Fprintf(w, "Violations during fault: %d\n", len(result.Violations))
		for _, v := range result.Violations {
			fmt.Fprintf(w, "   - %s: expected %.2f, got %.2f\n", v.MetricName, v.Expected, v.Actual)
		}
	}
	if result.MTTR != nil {
		fmt.Fprintf(w, "MTTR: %s\n", result.MTTR.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Duration: %s\n", result.Duration.Round(time.Millisecond))
}
