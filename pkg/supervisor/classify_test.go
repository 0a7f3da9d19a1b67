package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   TurnResult
		want Class
	}{
		{"tool use is productive", TurnResult{Chars: 10, Tools: 2}, ClassProductive},
		{"timeout assumed working", TurnResult{TimedOut: true}, ClassProductive},
		{"long answer no tools", TurnResult{Chars: 500}, ClassOK},
		{"short answer no tools", TurnResult{Chars: 50}, ClassIdle},
		{"nothing at all", TurnResult{}, ClassEmpty},
		{"error wins over tools", TurnResult{Chars: 500, Tools: 3, Errored: true}, ClassError},
		{"boundary below threshold", TurnResult{Chars: idleTextThreshold - 1}, ClassIdle},
		{"boundary at threshold", TurnResult{Chars: idleTextThreshold}, ClassOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}

func TestStreaks_Observe(t *testing.T) {
	var s Streaks
	s.Observe(ClassIdle)
	s.Observe(ClassIdle)
	assert.Equal(t, 2, s.Idle)
	assert.Equal(t, 2, s.NonProductive)

	s.Observe(ClassEmpty)
	assert.Equal(t, 0, s.Idle)
	assert.Equal(t, 1, s.Empty)
	assert.Equal(t, 3, s.NonProductive)

	s.Observe(ClassProductive)
	assert.Equal(t, Streaks{}, s)
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name  string
		class Class
		s     Streaks
		want  time.Duration
	}{
		{"productive", ClassProductive, Streaks{}, 15 * time.Second},
		{"ok", ClassOK, Streaks{}, 30 * time.Second},
		{"first idle", ClassIdle, Streaks{Idle: 1}, 5 * time.Minute},
		{"second idle caps", ClassIdle, Streaks{Idle: 2}, 10 * time.Minute},
		{"fifth idle still capped", ClassIdle, Streaks{Idle: 5}, 10 * time.Minute},
		{"empty below threshold", ClassEmpty, Streaks{Empty: 2}, 2 * time.Minute},
		{"empty at threshold", ClassEmpty, Streaks{Empty: 3}, 2 * time.Minute},
		{"empty doubles", ClassEmpty, Streaks{Empty: 4}, 4 * time.Minute},
		{"empty doubles again", ClassEmpty, Streaks{Empty: 5}, 8 * time.Minute},
		{"empty caps", ClassEmpty, Streaks{Empty: 8}, 10 * time.Minute},
		{"error", ClassError, Streaks{}, 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextDelay(tt.class, tt.s))
		})
	}
}
