package chaos

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/logger"
)

func TestThresholdOperators(t *testing.T) {
	cases := []struct {
		op   string
		v    float64
		want bool
	}{
		{">", 2, true}, {">", 1, false},
		{"<", 0, true}, {"<=", 1, true},
		{">=", 1, true}, {"==", 1, true},
		{"!=", 1, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Threshold{Operator: c.op, Value: 1}.Holds(c.v), "%v %s 1", c.v, c.op)
	}
}

func TestRunAbortsOnBadSteadyState(t *testing.T) {
	e := NewEngine(logger.Discard(), 10*time.Millisecond)
	injected := false
	res, err := e.Run(context.Background(), Experiment{
		Name: "broken",
		SteadyState: []Metric{{
			Name:      "errors",
			Query:     func(context.Context) (float64, error) { return 3, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{Execute: func(context.Context) error { injected = true; return nil }}},
	})
	assert.ErrorIs(t, err, ErrSteadyState)
	assert.False(t, res.SteadyStateValid)
	assert.False(t, injected)
}

func TestRunRecordsViolationsAndRecovery(t *testing.T) {
	var level atomic.Int64
	metric := Metric{
		Name:      "backlog",
		Query:     func(context.Context) (float64, error) { return float64(level.Load()), nil },
		Threshold: Threshold{Operator: "==", Value: 0},
	}
	e := NewEngine(logger.Discard(), 5*time.Millisecond)
	res, err := e.Run(context.Background(), Experiment{
		Name:        "backlog",
		SteadyState: []Metric{metric},
		Method: []Action{{Target: "queue", Execute: func(context.Context) error {
			level.Store(4)
			time.AfterFunc(30*time.Millisecond, func() { level.Store(0) })
			return nil
		}}},
		Validation: []Assertion{{Metric: "backlog", Condition: func(v float64) bool { return v == 0 }, Message: "drained"}},
		Duration:   100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.HypothesisHeld)
	assert.NotEmpty(t, res.Violations)
	require.NotNil(t, res.MTTR)
	assert.Len(t, e.Results(), 1)
}

func TestRunReportsFailedAssertionsAndActionErrors(t *testing.T) {
	var level atomic.Int64
	e := NewEngine(logger.Discard(), 5*time.Millisecond)
	res, err := e.Run(context.Background(), Experiment{
		Name: "stuck",
		SteadyState: []Metric{{
			Name:      "backlog",
			Query:     func(context.Context) (float64, error) { return float64(level.Load()), nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{Target: "queue", Execute: func(context.Context) error {
			level.Store(1)
			return errors.New("partial")
		}}},
		Validation: []Assertion{{Metric: "backlog", Condition: func(v float64) bool { return v == 0 }, Message: "drained"}},
		Duration:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, res.HypothesisHeld)
	assert.Equal(t, []string{"drained"}, res.FailedAssertions)
	require.Len(t, res.ErrorEvents, 1)
	assert.Equal(t, "queue", res.ErrorEvents[0].Component)
}

func TestGameDayFailsWhenAnyHypothesisFails(t *testing.T) {
	e := NewEngine(logger.Discard(), 5*time.Millisecond)
	zero := Metric{Name: "m", Query: func(context.Context) (float64, error) { return 0, nil }, Threshold: Threshold{Operator: "==", Value: 0}}
	pass := Experiment{Name: "pass", SteadyState: []Metric{zero}, Duration: 10 * time.Millisecond,
		Validation: []Assertion{{Metric: "m", Condition: func(v float64) bool { return v == 0 }}}}
	fail := Experiment{Name: "fail", SteadyState: []Metric{zero}, Duration: 10 * time.Millisecond,
		Validation: []Assertion{{Metric: "m", Condition: func(v float64) bool { return v == 1 }, Message: "never"}}}

	var out bytes.Buffer
	err := e.ExecuteGameDay(context.Background(), GameDay{Name: "drill", Date: time.Now(), Scenarios: []Experiment{pass, fail}}, &out)
	assert.EqualError(t, err, "1 of 2 experiments failed")
	assert.Contains(t, out.String(), "Hypothesis held")
	assert.Contains(t, out.String(), "never")
}
