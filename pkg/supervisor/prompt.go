package supervisor

import (
	"fmt"
	"strings"

	"github.com/synapsehq/synapse/pkg/task"
	"github.com/synapsehq/synapse/pkg/workspace"
)

// openingLine anchors every full prompt. It never varies: the agent learns to
// recognize it as the supervisor's voice.
const openingLine = "You are an autonomous agent working in /workspace. A supervisor process sends you these messages; no human is typing them."

// memoryReminderText is appended when the memory files have not changed
// across several working turns.
const memoryReminderText = "Reminder: you have not updated SHORT_TERM_MEMORY.md or LONG_TERM_MEMORY.md recently. Record what you have learned and where you left off before continuing."

// PromptData is everything a prompt is assembled from. All fields are
// read-only snapshots taken at the start of the turn.
type PromptData struct {
	Task           *task.Task
	Memory         map[string]string
	Directives     []workspace.Directive
	ProcessInfo    string
	NewAnswers     []task.Question
	MemoryReminder bool
	VerifyFailed   bool
	Recovery       string
}

// verifyFailedText is prepended after a completion claim fails verification.
const verifyFailedText = "You marked the task completed, but the verification command did not meet the goal. The task is running again; keep working until verification passes."

// BuildFull assembles the complete orientation prompt: identity, memory,
// goal, progress, and standing directives. Sent on the first turn and again
// during recovery escalation.
func BuildFull(d PromptData) string {
	var b strings.Builder
	b.WriteString(openingLine)
	b.WriteString("\n")

	if d.Task != nil && d.Task.Context.PromptPrepend != "" {
		b.WriteString("\n")
		b.WriteString(d.Task.Context.PromptPrepend)
		b.WriteString("\n")
	}

	if d.VerifyFailed {
		b.WriteString("\n")
		b.WriteString(verifyFailedText)
		b.WriteString("\n")
	}

	writeMemorySection(&b, d.Memory)
	writeProcessSection(&b, d.ProcessInfo)
	writeGoalSection(&b, d.Task)
	writeProgressSection(&b, d.Task)
	writeAnswersSection(&b, d.NewAnswers)
	writeDirectivesSection(&b, d.Directives)

	if d.Recovery != "" {
		b.WriteString("\n## RECOVERY CHECK\n\n")
		b.WriteString("Progress has stalled. Current system state:\n\n```\n")
		b.WriteString(strings.TrimRight(d.Recovery, "\n"))
		b.WriteString("\n```\n\nDiagnose what is blocking you, fix it, and continue.\n")
	}

	b.WriteString("\n## Instructions\n\n")
	b.WriteString("Work toward the goal. Use tools to make real progress. ")
	b.WriteString("Keep plan.md current, and record findings in the memory files as you go. ")
	b.WriteString("If you are blocked on something only a human can decide, say so explicitly.\n")

	if d.MemoryReminder {
		b.WriteString("\n")
		b.WriteString(memoryReminderText)
		b.WriteString("\n")
	}
	if d.Task != nil && d.Task.Context.PromptAppend != "" {
		b.WriteString("\n")
		b.WriteString(d.Task.Context.PromptAppend)
		b.WriteString("\n")
	}
	return b.String()
}

// BuildContinuation assembles the short between-turn nudge. Human answers are
// quoted verbatim so nothing is lost in paraphrase.
func BuildContinuation(d PromptData) string {
	var b strings.Builder
	b.WriteString("Continue working on your task.\n")

	if d.VerifyFailed {
		b.WriteString("\n")
		b.WriteString(verifyFailedText)
		b.WriteString("\n")
	}

	writeProcessSection(&b, d.ProcessInfo)
	writeAnswersSection(&b, d.NewAnswers)

	if d.Task != nil {
		if pending := d.Task.PendingBlocking(); len(pending) > 0 {
			b.WriteString("\nYou have unanswered blocking questions. Work on whatever does not depend on them.\n")
		}
	}

	if len(d.Directives) > 0 {
		b.WriteString("\nStanding directives: ")
		texts := make([]string, len(d.Directives))
		for i, dir := range d.Directives {
			texts[i] = dir.Text
		}
		b.WriteString(strings.Join(texts, "; "))
		b.WriteString("\n")
	}

	if d.MemoryReminder {
		b.WriteString("\n")
		b.WriteString(memoryReminderText)
		b.WriteString("\n")
	}
	return b.String()
}

func writeMemorySection(b *strings.Builder, memory map[string]string) {
	sections := []struct{ title, file string }{
		{"Short-term memory", workspace.ShortTermMemoryFile},
		{"Long-term memory", workspace.LongTermMemoryFile},
		{"Plan", workspace.PlanFile},
	}
	for _, s := range sections {
		content := strings.TrimSpace(memory[s.file])
		if content == "" {
			continue
		}
		fmt.Fprintf(b, "\n## %s (%s)\n\n%s\n", s.title, s.file, content)
	}
}

func writeProcessSection(b *strings.Builder, info string) {
	if info == "" {
		return
	}
	b.WriteString("\n## Monitored processes\n\n```\n")
	b.WriteString(strings.TrimRight(info, "\n"))
	b.WriteString("\n```\n")
}

func writeGoalSection(b *strings.Builder, t *task.Task) {
	if t == nil {
		return
	}
	fmt.Fprintf(b, "\n## Goal\n\n%s\n", t.Goal.Description)
	if t.Description != "" {
		b.WriteString("\n")
		b.WriteString(t.Description)
		b.WriteString("\n")
	}
	if t.Goal.VerifyCommand != "" {
		fmt.Fprintf(b, "\nProgress is verified by running `%s`", t.Goal.VerifyCommand)
		if t.Goal.TargetValue != nil {
			fmt.Fprintf(b, "; the goal is met when its output is %s %g", t.Goal.Direction, *t.Goal.TargetValue)
		}
		b.WriteString(".\n")
	}
}

func writeProgressSection(b *strings.Builder, t *task.Task) {
	if t == nil {
		return
	}
	fmt.Fprintf(b, "\n## Progress\n\nTurns completed: %d\n", t.Progress.TurnsCompleted)
	if t.Progress.LatestMetric != nil {
		fmt.Fprintf(b, "Latest metric: %g\n", *t.Progress.LatestMetric)
	}
	if t.Progress.Summary != "" {
		fmt.Fprintf(b, "Summary: %s\n", t.Progress.Summary)
	}
}

func writeAnswersSection(b *strings.Builder, answers []task.Question) {
	if len(answers) == 0 {
		return
	}
	b.WriteString("\n## Human Responses\n\n")
	for _, q := range answers {
		fmt.Fprintf(b, "Q: %s\nA: %s\n\n", q.Text, q.Answer)
	}
}

func writeDirectivesSection(b *strings.Builder, directives []workspace.Directive) {
	if len(directives) == 0 {
		return
	}
	b.WriteString("\n## Operator directives\n\n")
	for _, d := range directives {
		fmt.Fprintf(b, "- %s\n", d.Text)
	}
}
