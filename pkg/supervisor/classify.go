// Package supervisor drives the agent through autonomous turns: it prompts,
// watches the resulting event stream, classifies what happened, and schedules
// the next nudge. It runs inside the sandbox next to the gateway and speaks
// to it as an ordinary WebSocket client.
package supervisor

// Class is the outcome category of one completed turn.
type Class string

// Turn classes, from best to worst.
const (
	ClassProductive Class = "productive"
	ClassOK         Class = "ok"
	ClassIdle       Class = "idle"
	ClassEmpty      Class = "empty"
	ClassError      Class = "error"
)

// idleTextThreshold is the minimum response length, in characters, for a
// tool-less turn to count as substantive.
const idleTextThreshold = 200

// TurnResult summarizes the observed event stream of one turn.
type TurnResult struct {
	Chars    int
	Tools    int
	Errored  bool
	TimedOut bool
}

// Classify maps a turn's observations to its class. Tool use always counts
// as productive work; a turn that timed out is assumed to be mid-task rather
// than stuck, so it is treated as productive too.
func Classify(r TurnResult) Class {
	switch {
	case r.Errored:
		return ClassError
	case r.TimedOut:
		return ClassProductive
	case r.Tools >= 1:
		return ClassProductive
	case r.Chars == 0:
		return ClassEmpty
	case r.Chars < idleTextThreshold:
		return ClassIdle
	default:
		return ClassOK
	}
}

// Productive reports whether the class represents forward motion.
func (c Class) Productive() bool {
	return c == ClassProductive || c == ClassOK
}
