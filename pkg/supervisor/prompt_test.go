package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/synapsehq/synapse/pkg/task"
	"github.com/synapsehq/synapse/pkg/workspace"
)

func TestBuildFull(t *testing.T) {
	tk := task.New("raise coverage")
	tk.Goal = task.Goal{
		Description:   "Raise test coverage",
		VerifyCommand: "make coverage",
		TargetValue:   floatPtr(90),
		Direction:     task.DirectionAbove,
	}
	tk.Context.PromptPrepend = "PREPEND MARKER"
	tk.Context.PromptAppend = "APPEND MARKER"

	prompt := BuildFull(PromptData{
		Task: tk,
		Memory: map[string]string{
			workspace.ShortTermMemoryFile: "working on auth tests",
			workspace.PlanFile:            "1. add tests",
		},
		Directives: []workspace.Directive{{ID: "d1", Text: "never force-push"}},
	})

	assert.Contains(t, prompt, openingLine)
	assert.Contains(t, prompt, "PREPEND MARKER")
	assert.Contains(t, prompt, "APPEND MARKER")
	assert.Contains(t, prompt, "working on auth tests")
	assert.Contains(t, prompt, "1. add tests")
	assert.Contains(t, prompt, "Raise test coverage")
	assert.Contains(t, prompt, "`make coverage`")
	assert.Contains(t, prompt, "above 90")
	assert.Contains(t, prompt, "never force-push")
	assert.NotContains(t, prompt, workspace.LongTermMemoryFile)
}

func TestBuildFull_RecoveryBlock(t *testing.T) {
	prompt := BuildFull(PromptData{Recovery: "$ ps aux\nPID TTY\n"})
	assert.Contains(t, prompt, "RECOVERY CHECK")
	assert.Contains(t, prompt, "PID TTY")
}

func TestBuildContinuation(t *testing.T) {
	tk := task.New("demo")
	tk.Questions = []task.Question{{
		ID:       "q1",
		Text:     "Which database?",
		Priority: task.PriorityBlocking,
	}}

	prompt := BuildContinuation(PromptData{
		Task:       tk,
		Directives: []workspace.Directive{{Text: "small commits"}, {Text: "no rebases"}},
	})
	assert.Contains(t, prompt, "Continue working")
	assert.Contains(t, prompt, "unanswered blocking questions")
	assert.Contains(t, prompt, "small commits; no rebases")
	assert.NotContains(t, prompt, openingLine)
}

func TestBuildContinuation_QuotesAnswersVerbatim(t *testing.T) {
	answer := "Use Postgres 16, schema `fleet`, and DO NOT migrate the old data."
	prompt := BuildContinuation(PromptData{
		NewAnswers: []task.Question{{Text: "Which database?", Answer: answer}},
	})
	assert.Contains(t, prompt, "Human Responses")
	assert.Contains(t, prompt, answer)
}

func TestVerifyFailedNoteAppears(t *testing.T) {
	cont := BuildContinuation(PromptData{VerifyFailed: true})
	assert.Contains(t, cont, "verification command did not meet the goal")

	full := BuildFull(PromptData{VerifyFailed: true})
	assert.Contains(t, full, "verification command did not meet the goal")

	assert.NotContains(t, BuildContinuation(PromptData{}), "verification command")
}

func TestMemoryReminderAppears(t *testing.T) {
	withReminder := BuildContinuation(PromptData{MemoryReminder: true})
	assert.Contains(t, withReminder, "SHORT_TERM_MEMORY.md")

	without := BuildContinuation(PromptData{})
	assert.NotContains(t, without, "Reminder:")
}
