// Package chaos runs fault-injection drills against an in-process rental
// stack and checks that booking invariants survive them.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment defines a chaos drill.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type Violation struct {
	Metric    string    `json:"metric"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
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

var ErrSteadyState = errors.New("steady state invalid - aborting experiment")

// Engine orchestrates experiments.
type Engine struct {
	tracer   trace.Tracer
	log      *slog.Logger
	interval time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

// NewEngine samples metrics every interval while an experiment runs.
func NewEngine(log *slog.Logger, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		tracer:   otel.Tracer("carrental/chaos"),
		log:      log,
		interval: interval,
	}
}

func (e *Engine) Register(exps ...Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exps...)
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

// Run executes one experiment: steady state check, fault injection,
// observation, rollback, then a final sample that the assertions judge.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyState
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, a := range exp.Method {
		if err := a.Execute(ctx); err != nil {
			result.recordError(a.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, a := range exp.Rollback {
		if err := a.Execute(ctx); err != nil {
			result.recordError(a.Target, err)
			span.RecordError(err)
		}
	}
	e.sample(ctx, exp.SteadyState, result, nil)

	span.AddEvent("validating_assertions")
	result.FailedAssertions = validate(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
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

func (e *Engine) steadyState(ctx context.Context, metrics []Metric) []Violation {
	var violations []Violation
	for _, m := range metrics {
		v, err := m.Query(ctx)
		if err != nil {
			v = -1
		}
		if err != nil || !m.Threshold.Holds(v) {
			violations = append(violations, Violation{
				Metric: m.Name, Expected: m.Threshold.Value, Actual: v, Timestamp: time.Now(),
			})
		}
	}
	return violations
}

type recovery struct {
	start     time.Time
	recovered bool
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	octx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var rec recovery
	for {
		select {
		case <-octx.Done():
			return
		case <-ticker.C:
			e.sample(ctx, exp.SteadyState, result, &rec)
		}
	}
}

// sample records one observation per metric. With rec set, threshold
// breaches count as violations and the first return to threshold sets MTTR.
func (e *Engine) sample(ctx context.Context, metrics []Metric, result *Result, rec *recovery) {
	for _, m := range metrics {
		v, err := m.Query(ctx)
		if err != nil {
			result.recordError(m.Name, err)
			continue
		}
		now := time.Now()
		result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: now, Value: v})
		if rec == nil {
			continue
		}
		if !m.Threshold.Holds(v) {
			if rec.start.IsZero() {
				rec.start = now
			}
			result.Violations = append(result.Violations, Violation{
				Metric: m.Name, Expected: m.Threshold.Value, Actual: v, Timestamp: now,
			})
		} else if !rec.start.IsZero() && !rec.recovered {
			mttr := now.Sub(rec.start)
			result.MTTR = &mttr
			rec.recovered = true
		}
	}
}

func (r *Result) recordError(component string, err error) {
	r.ErrorEvents = append(r.ErrorEvents, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: component})
}

func validate(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		obs := result.Observations[a.Metric]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	Pause     time.Duration
}

// ExecuteGameDay runs every scenario, printing a report to out. It returns
// an error when any hypothesis failed.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay, out io.Writer) error {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)),
	)
	defer span.End()

	fmt.Fprintf(out, "Game day: %s (%s)\n", day.Name, day.Date.Format(time.DateOnly))
	failed := 0
	for i, sc := range day.Scenarios {
		fmt.Fprintf(out, "\nExperiment %d/%d: %s\nHypothesis: %s\n", i+1, len(day.Scenarios), sc.Name, sc.Hypothesis)
		result, err := e.Run(ctx, sc)
		if err != nil {
			e.log.ErrorContext(ctx, "experiment aborted", "experiment", sc.Name, "error", err)
			fmt.Fprintf(out, "Aborted: %v\n", err)
			failed++
			continue
		}
		printResult(out, result)
		if !result.HypothesisHeld {
			failed++
		}
		if day.Pause > 0 && i < len(day.Scenarios)-1 {
			select {
			case <-time.After(day.Pause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d experiments failed", failed, len(day.Scenarios))
	}
	return nil
}

func printResult(out io.Writer, r *Result) {
	if r.HypothesisHeld {
		fmt.Fprintln(out, "Hypothesis held")
	} else {
		fmt.Fprintln(out, "Hypothesis violated")
		for _, msg := range r.FailedAssertions {
			fmt.Fprintf(out, "   - %s\n", msg)
		}
	}
	if len(r.Violations) > 0 {
		fmt.Fprintf(out, "Threshold breaches while faulted: %d\n", len(r.Violations))
	}
	for _, ev := range r.ErrorEvents {
		fmt.Fprintf(out, "   ! %s: %s\n", ev.Component, ev.Error)
	}
	if r.MTTR != nil {
		fmt.Fprintf(out, "MTTR: %s\n", r.MTTR.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "Duration: %s\n", r.Duration.Round(time.Millisecond))
}
