package supervisor

import "time"

// Delay bounds between turns.
const (
	delayProductive = 15 * time.Second
	delayOK         = 30 * time.Second
	delayIdleStep   = 5 * time.Minute
	delayEmptyBase  = 2 * time.Minute
	delayError      = 2 * time.Minute
	delayMax        = 10 * time.Minute

	// emptyBackoffAfter is the empty streak length at which the flat delay
	// starts doubling.
	emptyBackoffAfter = 3
)

// Streaks tracks consecutive same-class turns feeding the scheduler.
type Streaks struct {
	Idle          int
	Empty         int
	NonProductive int
}

// Observe updates the streaks with a completed turn.
func (s *Streaks) Observe(c Class) {
	if c.Productive() {
		*s = Streaks{}
		return
	}
	s.NonProductive++
	switch c {
	case ClassIdle:
		s.Idle++
		s.Empty = 0
	case ClassEmpty:
		s.Empty++
		s.Idle = 0
	default:
		s.Idle = 0
		s.Empty = 0
	}
}

// NextDelay computes the wait before the next prompt. Productive turns get a
// short cadence; repeated idle or empty turns back off toward delayMax so a
// wedged agent is not hammered.
func NextDelay(c Class, s Streaks) time.Duration {
	switch c {
	case ClassProductive:
		return delayProductive
	case ClassOK:
		return delayOK
	case ClassIdle:
		d := time.Duration(s.Idle) * delayIdleStep
		if d < delayIdleStep {
			d = delayIdleStep
		}
		return minDuration(d, delayMax)
	case ClassEmpty:
		if s.Empty <= emptyBackoffAfter {
			return delayEmptyBase
		}
		d := delayEmptyBase
		for i := emptyBackoffAfter; i < s.Empty && d < delayMax; i++ {
			d *= 2
		}
		return minDuration(d, delayMax)
	default:
		return delayError
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
