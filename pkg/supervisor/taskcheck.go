package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/synapsehq/synapse/pkg/task"
)

// verifyTimeout bounds one run of the goal's verify command.
const verifyTimeout = 30 * time.Second

// verifyEveryProductive is how many productive turns pass between periodic
// verify runs on a measurable task.
const verifyEveryProductive = 10

// ExecFunc runs a shell command in the workspace and returns its stdout and
// exit code. The supervisor injects a real runner; tests inject fakes.
type ExecFunc func(ctx context.Context, command string, timeout time.Duration) (stdout string, exitCode int, err error)

var metricPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// parseMetric extracts the last numeric value from verify command output.
// The last match wins so wrapper noise before the result is ignored.
func parseMetric(out string) (float64, bool) {
	matches := metricPattern.FindAllString(strings.TrimSpace(out), -1)
	if len(matches) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// metricMeetsGoal compares a measured value against the task's target.
func metricMeetsGoal(t *task.Task, v float64) bool {
	if t.Goal.TargetValue == nil {
		return false
	}
	switch t.Goal.Direction {
	case task.DirectionAbove:
		return v >= *t.Goal.TargetValue
	case task.DirectionBelow:
		return v <= *t.Goal.TargetValue
	}
	return false
}

// runVerify executes the task's verify command and returns the parsed metric
// plus whether the goal is now met. A task without a verify command verifies
// nothing.
func runVerify(ctx context.Context, exec ExecFunc, t *task.Task) (metric *float64, met bool, err error) {
	if t.Goal.VerifyCommand == "" {
		return nil, false, nil
	}
	out, code, err := exec(ctx, t.Goal.VerifyCommand, verifyTimeout)
	if err != nil {
		return nil, false, fmt.Errorf("verify command: %w", err)
	}
	if code != 0 {
		return nil, false, fmt.Errorf("verify command exited %d", code)
	}
	v, ok := parseMetric(out)
	if !ok {
		return nil, false, fmt.Errorf("verify command produced no numeric output")
	}
	return &v, metricMeetsGoal(t, v), nil
}

// enforceLimits checks the task's idle, duration, and turn budgets. Returns
// the stop reason to apply, or empty when the task may continue.
func enforceLimits(t *task.Task, s Streaks, now time.Time) string {
	if t.Limits.MaxIdleTurns > 0 && s.NonProductive >= t.Limits.MaxIdleTurns {
		return task.ReasonIdleTimeout
	}
	if t.Limits.MaxDurationHours != nil {
		limit := time.Duration(*t.Limits.MaxDurationHours * float64(time.Hour))
		if limit > 0 && now.Sub(t.StartedAt) >= limit {
			return task.ReasonTimeLimit
		}
	}
	if t.Limits.MaxTurns != nil && *t.Limits.MaxTurns > 0 && t.Progress.TurnsCompleted >= *t.Limits.MaxTurns {
		return task.ReasonTurnLimit
	}
	return ""
}
