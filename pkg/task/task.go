// Package task models the agent-workload descriptor persisted in the sandbox
// workspace. The on-disk document is last-writer-wins: the supervisor always
// reloads before comparing, and writes back only on state transitions.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Task statuses.
const (
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
)

// Task types.
const (
	TypeMeasurable = "measurable"
	TypeSubjective = "subjective"
)

// Goal metric directions.
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

// Question priorities.
const (
	PriorityQuestion = "question"
	PriorityBlocking = "blocking"
)

// Stop reasons recorded in CompletionReason.
const (
	ReasonIdleTimeout = "idle_timeout"
	ReasonTimeLimit   = "time_limit"
	ReasonTurnLimit   = "turn_limit"
	ReasonOperator    = "operator_stop"
)

// DefaultMaxIdleTurns applies when a task is created without a limit.
const DefaultMaxIdleTurns = 20

// Goal describes what the agent is working toward.
type Goal struct {
	Description   string   `json:"description"`
	VerifyCommand string   `json:"verify_command,omitempty"`
	TargetValue   *float64 `json:"target_value,omitempty"`
	Direction     string   `json:"direction,omitempty"`
}

// Limits bound how long a task may run without progress.
type Limits struct {
	MaxIdleTurns     int      `json:"max_idle_turns"`
	MaxDurationHours *float64 `json:"max_duration_hours,omitempty"`
	MaxTurns         *int     `json:"max_turns,omitempty"`
}

// Progress is updated by the supervisor as turns complete.
type Progress struct {
	TurnsCompleted int       `json:"turns_completed"`
	LastActiveAt   time.Time `json:"last_active_at"`
	LatestMetric   *float64  `json:"latest_metric,omitempty"`
	Summary        string    `json:"summary,omitempty"`
}

// Context carries operator-authored prompt additions and monitoring hints.
type Context struct {
	PromptPrepend    string   `json:"prompt_prepend,omitempty"`
	PromptAppend     string   `json:"prompt_append,omitempty"`
	ProcessMonitor   []string `json:"process_monitor,omitempty"`
	ProgressCommands []string `json:"progress_commands,omitempty"`
}

// Question is asked by the agent and answered asynchronously by a human.
// AnsweredAt and Answer are set together or neither.
type Question struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Context    string     `json:"context,omitempty"`
	Priority   string     `json:"priority"`
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	Answer     string     `json:"answer,omitempty"`
}

// Answered reports whether the question has an answer.
func (q *Question) Answered() bool {
	return q.AnsweredAt != nil
}

// Task is the workspace task document.
type Task struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Type             string     `json:"type"`
	Goal             Goal       `json:"goal"`
	Limits           Limits     `json:"limits"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CompletionReason string     `json:"completion_reason,omitempty"`
	Progress         Progress   `json:"progress"`
	Context          Context    `json:"context"`
	Questions        []Question `json:"questions"`
}

// New creates a running task with defaults applied.
func New(name string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New().String(),
		Name:      name,
		Type:      TypeSubjective,
		Status:    StatusRunning,
		StartedAt: now,
		Limits:    Limits{MaxIdleTurns: DefaultMaxIdleTurns},
		Progress:  Progress{LastActiveAt: now},
		Questions: []Question{},
	}
}

// ApplyDefaults fills zero-valued fields on an operator-supplied task.
func (t *Task) ApplyDefaults() {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Type == "" {
		t.Type = TypeSubjective
	}
	if t.Status == "" {
		t.Status = StatusRunning
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	if t.Limits.MaxIdleTurns == 0 {
		t.Limits.MaxIdleTurns = DefaultMaxIdleTurns
	}
	if t.Progress.LastActiveAt.IsZero() {
		t.Progress.LastActiveAt = t.StartedAt
	}
	if t.Questions == nil {
		t.Questions = []Question{}
	}
}

// Validate checks enum fields on an operator-supplied task.
func (t *Task) Validate() error {
	switch t.Type {
	case TypeMeasurable, TypeSubjective:
	default:
		return fmt.Errorf("invalid task type %q", t.Type)
	}
	if t.Goal.Direction != "" && t.Goal.Direction != DirectionAbove && t.Goal.Direction != DirectionBelow {
		return fmt.Errorf("invalid goal direction %q", t.Goal.Direction)
	}
	if t.Name == "" {
		return errors.New("task name is required")
	}
	return nil
}

// Stop marks the task stopped with a reason. No-op if already terminal.
func (t *Task) Stop(reason string) {
	if t.Status != StatusRunning {
		return
	}
	now := time.Now().UTC()
	t.Status = StatusStopped
	t.CompletedAt = &now
	t.CompletionReason = reason
}

// Resume returns a stopped task to running, preserving its identity.
// Only an explicit resume may leave a terminal state.
func (t *Task) Resume() {
	if t.Status != StatusStopped {
		return
	}
	t.Status = StatusRunning
	t.CompletedAt = nil
	t.CompletionReason = ""
}

// Reopen reverts a completed task to running. Used when the agent marked the
// task done but verification did not meet the goal.
func (t *Task) Reopen() {
	if t.Status != StatusCompleted {
		return
	}
	t.Status = StatusRunning
	t.CompletedAt = nil
	t.CompletionReason = ""
}

// Complete marks the task completed, recording the verified metric if any.
func (t *Task) Complete(reason string, metric *float64) {
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.CompletionReason = reason
	if metric != nil {
		t.Progress.LatestMetric = metric
	}
}

// AnswerQuestion records an answer; both fields are set together.
func (t *Task) AnswerQuestion(questionID, answer string) error {
	for i := range t.Questions {
		if t.Questions[i].ID == questionID {
			now := time.Now().UTC()
			t.Questions[i].Answer = answer
			t.Questions[i].AnsweredAt = &now
			return nil
		}
	}
	return fmt.Errorf("question %s not found", questionID)
}

// PendingBlocking returns unanswered blocking questions.
func (t *Task) PendingBlocking() []Question {
	var pending []Question
	for _, q := range t.Questions {
		if q.Priority == PriorityBlocking && !q.Answered() {
			pending = append(pending, q)
		}
	}
	return pending
}

// Load reads a task document from path.
func Load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("task: parse %s: %w", path, err)
	}
	return &t, nil
}

// Save writes the task document atomically (temp file + rename) so readers
// never observe a torn write.
func Save(path string, t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("task: encode: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("task: write: %w", err)
	}
	return os.Rename(tmp, path)
}
