// Package chaos runs fault-injection experiments against the lending
// service: the store is wrapped in a FaultyStore and each experiment checks
// that the invariants still hold.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kurrentlibrary/internal/circulation"
	"kurrentlibrary/pkg/eventstore"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment defines a chaos test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	// Setup runs before faults are injected.
	Setup  func(ctx context.Context) error
	Faults Faults
	// Method runs under Faults and reports what it observed.
	Method func(ctx context.Context) (map[string]float64, error)
	// Verify runs after faults are cleared and may add observations.
	Verify     func(ctx context.Context, observed map[string]float64) error
	Validation []Assertion
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

// Assertion validates an observation once the experiment is over.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	ExperimentName   string             `json:"experiment_name"`
	StartTime        time.Time          `json:"start_time"`
	EndTime          time.Time          `json:"end_time"`
	Duration         time.Duration      `json:"duration"`
	HypothesisHeld   bool               `json:"hypothesis_held"`
	SteadyStateValid bool               `json:"steady_state_valid"`
	Violations       []MetricViolation  `json:"violations"`
	Observations     map[string]float64 `json:"observations"`
	Failed           []string           `json:"failed_assertions"`
	Injected         Injections         `json:"injected"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

// Engine orchestrates chaos experiments against a service built on a
// FaultyStore.
type Engine struct {
	tracer trace.Tracer
	logger *slog.Logger
	store  *FaultyStore
	svc    circulation.Service

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(store eventstore.Store, seed int64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	faulty := NewFaultyStore(store, seed)
	return &Engine{
		tracer: otel.Tracer("kurrentlibrary/chaos"),
		logger: logger,
		store:  faulty,
		svc:    circulation.NewService(faulty, circulation.WithLogger(logger)),
	}
}

// Service is the service under test. Its store injects whatever faults the
// running experiment asks for.
func (e *Engine) Service() circulation.Service { return e.svc }

func (e *Engine) Store() *FaultyStore { return e.store }

func (e *Engine) RegisterExperiment(exp Experiment) {
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

// RunExperiment executes a single chaos experiment
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
		),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string]float64),
	}
	before := e.store.Injected()

	if exp.Setup != nil {
		span.AddEvent("setup")
		if err := exp.Setup(ctx); err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("setup %s: %w", exp.Name, err)
		}
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, fmt.Errorf("%s: %w", exp.Name, ErrSteadyStateInvalid)
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	e.store.SetFaults(exp.Faults)
	observed, err := exp.Method(ctx)
	e.store.Clear()
	span.AddEvent("rolled_back")
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("run %s: %w", exp.Name, err)
	}
	for k, v := range observed {
		result.Observations[k] = v
	}

	if exp.Verify != nil {
		if err := exp.Verify(ctx, result.Observations); err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("verify %s: %w", exp.Name, err)
		}
	}

	span.AddEvent("validating_assertions")
	result.Failed = validateAssertions(exp.Validation, result.Observations)
	result.HypothesisHeld = len(result.Failed) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	after := e.store.Injected()
	result.Injected = Injections{
		Delayed:   after.Delayed - before.Delayed,
		Failed:    after.Failed - before.Failed,
		Conflicts: after.Conflicts - before.Conflicts,
	}

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	e.logger.InfoContext(ctx, "experiment finished",
		slog.String("experiment", exp.Name),
		slog.Bool("hypothesis_held", result.HypothesisHeld),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// RunAll runs every registered experiment in order. A failing experiment is
// logged and does not stop the others.
func (e *Engine) RunAll(ctx context.Context) []Result {
	for _, exp := range e.Experiments() {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.RunExperiment(ctx, exp); err != nil {
			e.logger.ErrorContext(ctx, "experiment failed",
				slog.String("experiment", exp.Name),
				slog.Any("error", err),
			)
		}
	}
	return e.Results()
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
		if !metric.Threshold.Holds(value) {
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

func validateAssertions(assertions []Assertion, observed map[string]float64) []string {
	var failed []string
	for _, a := range assertions {
		v, ok := observed[a.Metric]
		if !ok || !a.Condition(v) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}
