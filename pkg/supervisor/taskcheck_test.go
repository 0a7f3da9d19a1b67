package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsehq/synapse/pkg/task"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"42", 42, true},
		{"coverage: 87.5%\n", 87.5, true},
		{"ran 12 tests\nscore 3.25", 3.25, true},
		{"-0.5", -0.5, true},
		{"no numbers here", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		v, ok := parseMetric(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if ok {
			assert.Equal(t, tt.want, v, tt.in)
		}
	}
}

func TestMetricMeetsGoal(t *testing.T) {
	above := &task.Task{Goal: task.Goal{TargetValue: floatPtr(90), Direction: task.DirectionAbove}}
	assert.True(t, metricMeetsGoal(above, 95))
	assert.True(t, metricMeetsGoal(above, 90))
	assert.False(t, metricMeetsGoal(above, 89.9))

	below := &task.Task{Goal: task.Goal{TargetValue: floatPtr(10), Direction: task.DirectionBelow}}
	assert.True(t, metricMeetsGoal(below, 5))
	assert.False(t, metricMeetsGoal(below, 11))

	assert.False(t, metricMeetsGoal(&task.Task{}, 100))
}

func TestRunVerify(t *testing.T) {
	tk := &task.Task{Goal: task.Goal{
		VerifyCommand: "run-checks",
		TargetValue:   floatPtr(90),
		Direction:     task.DirectionAbove,
	}}

	exec := func(_ context.Context, command string, _ time.Duration) (string, int, error) {
		assert.Equal(t, "run-checks", command)
		return "coverage: 92.1", 0, nil
	}
	metric, met, err := runVerify(context.Background(), exec, tk)
	require.NoError(t, err)
	require.NotNil(t, metric)
	assert.Equal(t, 92.1, *metric)
	assert.True(t, met)

	failing := func(_ context.Context, _ string, _ time.Duration) (string, int, error) {
		return "boom", 2, nil
	}
	_, _, err = runVerify(context.Background(), failing, tk)
	assert.Error(t, err)

	noCmd := &task.Task{}
	metric, met, err = runVerify(context.Background(), exec, noCmd)
	require.NoError(t, err)
	assert.Nil(t, metric)
	assert.False(t, met)
}

func TestEnforceLimits(t *testing.T) {
	now := time.Now().UTC()

	idle := &task.Task{Limits: task.Limits{MaxIdleTurns: 5}}
	assert.Equal(t, "", enforceLimits(idle, Streaks{NonProductive: 4}, now))
	assert.Equal(t, task.ReasonIdleTimeout, enforceLimits(idle, Streaks{NonProductive: 5}, now))

	timed := &task.Task{
		StartedAt: now.Add(-3 * time.Hour),
		Limits:    task.Limits{MaxIdleTurns: 100, MaxDurationHours: floatPtr(2)},
	}
	assert.Equal(t, task.ReasonTimeLimit, enforceLimits(timed, Streaks{}, now))

	turns := &task.Task{Limits: task.Limits{MaxIdleTurns: 100, MaxTurns: intPtr(10)}}
	turns.Progress.TurnsCompleted = 10
	assert.Equal(t, task.ReasonTurnLimit, enforceLimits(turns, Streaks{}, now))
}
