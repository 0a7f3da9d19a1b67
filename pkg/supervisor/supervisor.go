package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/synapsehq/synapse/pkg/events"
	"github.com/synapsehq/synapse/pkg/task"
	"github.com/synapsehq/synapse/pkg/workspace"
)

// Exit signals raised by operator control actions. Run returns them instead
// of redialing; the process exits and the watchdog decides what happens next.
var (
	ErrStopRequested    = errors.New("supervisor: stop requested")
	ErrRestartRequested = errors.New("supervisor: restart requested")
)

// Defaults for the turn loop.
const (
	DefaultTurnTimeout    = 15 * time.Minute
	DefaultPresenceSettle = 10 * time.Second

	idlePoll       = 5 * time.Second
	needsInputPoll = 2 * time.Minute
	redialInterval = 2 * time.Second
)

// Escalation thresholds on the consecutive-empty streak.
const (
	escalateFullAfter     = 5
	escalateRecoveryAfter = 10
	escalateReinitAfter   = 20
)

// Config configures a supervisor instance.
type Config struct {
	GatewayURL    string
	WorkspaceRoot string

	// TurnTimeout bounds one prompt-to-done cycle. A turn that exceeds it is
	// assumed to still be working and is left alone until the next nudge.
	TurnTimeout time.Duration

	// PresenceSettle is how long the human count must stay at zero before
	// autonomous prompting resumes.
	PresenceSettle time.Duration

	// Exec runs shell commands in the workspace. Defaults to a local runner.
	Exec ExecFunc
}

// Supervisor owns the autonomous turn loop for one project.
type Supervisor struct {
	cfg Config

	client *Client

	turn            int
	needFull        bool
	paused          bool
	humans          int
	ocConnected     bool
	agentBusy       bool
	lastClass       Class
	streaks         Streaks
	memory          memoryTracker
	remindMemory    bool
	verifyFailed    bool
	relayedAnswers  map[string]bool
	sinceLastVerify int
}

// New creates a supervisor. Zero-valued config fields get defaults.
func New(cfg Config) *Supervisor {
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.PresenceSettle == 0 {
		cfg.PresenceSettle = DefaultPresenceSettle
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = workspace.DefaultRoot
	}
	if cfg.Exec == nil {
		cfg.Exec = localExec(cfg.WorkspaceRoot)
	}
	return &Supervisor{
		cfg:            cfg,
		needFull:       true,
		relayedAnswers: make(map[string]bool),
	}
}

// localExec runs commands through the shell with the workspace as cwd.
func localExec(root string) ExecFunc {
	return func(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cmd := exec.CommandContext(cctx, "sh", "-c", command)
		cmd.Dir = root
		out, err := cmd.Output()
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				return string(out), ee.ExitCode(), nil
			}
			return string(out), -1, err
		}
		return string(out), 0, nil
	}
}

// Run connects to the gateway and drives turns until ctx is cancelled. The
// connection is redialed on loss; turn state survives redials.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		client, err := Dial(ctx, s.cfg.GatewayURL)
		if err != nil {
			slog.Warn("Gateway dial failed", "error", err)
			if !sleepCtx(ctx, redialInterval) {
				return ctx.Err()
			}
			continue
		}
		s.client = client
		s.ocConnected = false
		s.agentBusy = false
		go client.Run(ctx)
		slog.Info("Connected to gateway", "url", s.cfg.GatewayURL)

		err = s.loop(ctx)
		client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrStopRequested) || errors.Is(err, ErrRestartRequested) {
			return err
		}
		slog.Warn("Gateway connection lost", "error", err)
		if !sleepCtx(ctx, redialInterval) {
			return ctx.Err()
		}
	}
}

// loop runs turns until the connection drops or ctx is cancelled.
func (s *Supervisor) loop(ctx context.Context) error {
	for {
		if err := s.waitUntilReady(ctx); err != nil {
			return err
		}

		t, err := task.Load(workspace.TaskPath(s.cfg.WorkspaceRoot))
		if err != nil || t.Status != task.StatusRunning {
			if err := s.idle(ctx, idlePoll); err != nil {
				return err
			}
			continue
		}

		// A blocking question only suspends prompting once the agent has
		// actually stalled; while turns still produce work the continuation
		// prompt tells it to work around the open question.
		answers := s.collectNewAnswers(t)
		if len(answers) == 0 && len(t.PendingBlocking()) > 0 &&
			(s.lastClass == ClassIdle || s.lastClass == ClassEmpty) {
			if err := s.idle(ctx, needsInputPoll); err != nil {
				return err
			}
			continue
		}

		prompt := s.buildPrompt(ctx, t, answers)
		if err := s.client.Send(ctx, prompt); err != nil {
			return err
		}

		result, err := s.collectTurn(ctx)
		if err != nil {
			return err
		}

		class := Classify(result)
		s.lastClass = class
		s.streaks.Observe(class)
		s.remindMemory = s.memory.Observe(s.cfg.WorkspaceRoot, class)
		s.turn++

		s.finishTurn(ctx, class, result)
		s.escalate()

		if err := s.idle(ctx, NextDelay(class, s.streaks)); err != nil {
			return err
		}
	}
}

// buildPrompt assembles the next prompt, choosing full orientation or a
// short continuation based on escalation state.
func (s *Supervisor) buildPrompt(ctx context.Context, t *task.Task, answers []task.Question) string {
	data := PromptData{
		Task:           t,
		Memory:         workspace.ReadMemory(s.cfg.WorkspaceRoot),
		ProcessInfo:    s.processInfo(ctx, t),
		NewAnswers:     answers,
		MemoryReminder: s.remindMemory,
		VerifyFailed:   s.verifyFailed,
	}
	s.verifyFailed = false
	directives, err := workspace.LoadDirectives(s.cfg.WorkspaceRoot)
	if err == nil {
		data.Directives = directives
	}

	if s.turn == 0 || s.needFull {
		s.needFull = false
		if s.streaks.Empty >= escalateRecoveryAfter {
			data.Recovery = s.recoveryInfo(ctx)
		}
		return BuildFull(data)
	}
	return BuildContinuation(data)
}

// processInfo runs the task's monitor commands and concatenates their output.
func (s *Supervisor) processInfo(ctx context.Context, t *task.Task) string {
	if t == nil || len(t.Context.ProcessMonitor) == 0 {
		return ""
	}
	var out string
	for _, cmd := range t.Context.ProcessMonitor {
		stdout, _, err := s.cfg.Exec(ctx, cmd, 10*time.Second)
		if err != nil {
			continue
		}
		out += "$ " + cmd + "\n" + stdout + "\n"
	}
	return out
}

// recoveryInfo captures system state for the recovery prompt.
func (s *Supervisor) recoveryInfo(ctx context.Context) string {
	var out string
	for _, cmd := range []string{"ps aux", "df -h", "free -m"} {
		stdout, _, err := s.cfg.Exec(ctx, cmd, 10*time.Second)
		if err != nil {
			continue
		}
		out += "$ " + cmd + "\n" + stdout + "\n"
	}
	return out
}

// collectTurn watches the event stream until the turn finishes, errors, or
// times out. Control and presence frames are processed inline so a pause
// issued mid-turn is not lost.
func (s *Supervisor) collectTurn(ctx context.Context) (TurnResult, error) {
	var r TurnResult
	timer := time.NewTimer(s.cfg.TurnTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-timer.C:
			r.TimedOut = true
			return r, nil
		case in, ok := <-s.client.Frames():
			if !ok {
				return r, fmt.Errorf("gateway stream closed")
			}
			switch in.Kind {
			case KindEvent:
				switch in.Event.Type {
				case events.TypeTextDelta:
					r.Chars += len(in.Event.Text)
				case events.TypeToolUse:
					r.Tools++
				case events.TypeDone:
					return r, nil
				case events.TypeError:
					r.Errored = true
					return r, nil
				}
			case KindControl:
				if err := s.applyControl(in.Action); err != nil {
					return r, err
				}
			case KindPresence:
				s.humans = in.Humans
			case KindStatus:
				s.humans = in.Humans
				s.agentBusy = in.AgentBusy
				s.ocConnected = in.OCConnected
			}
		}
	}
}

// finishTurn reloads the task document, applies progress, verification, and
// limits, and writes one log line.
func (s *Supervisor) finishTurn(ctx context.Context, class Class, r TurnResult) {
	line := fmt.Sprintf("turn=%d class=%s chars=%d tools=%d", s.turn, class, r.Chars, r.Tools)
	if err := workspace.AppendLog(s.cfg.WorkspaceRoot, line); err != nil {
		slog.Warn("Failed to append supervisor log", "error", err)
	}
	slog.Info("Turn completed", "turn", s.turn, "class", class, "chars", r.Chars, "tools", r.Tools)

	path := workspace.TaskPath(s.cfg.WorkspaceRoot)
	t, err := task.Load(path)
	if err != nil {
		return
	}
	if t.Status == task.StatusCompleted {
		// The agent marked the task done during this turn; the claim has to
		// survive verification before it stands.
		s.confirmCompletion(ctx, t, path)
		return
	}
	if t.Status != task.StatusRunning {
		return
	}

	now := time.Now().UTC()
	t.Progress.TurnsCompleted++
	if class.Productive() {
		t.Progress.LastActiveAt = now
		s.sinceLastVerify++
	}

	if t.Type == task.TypeMeasurable && s.sinceLastVerify >= verifyEveryProductive {
		s.sinceLastVerify = 0
		metric, met, err := runVerify(ctx, s.cfg.Exec, t)
		if err != nil {
			slog.Warn("Verification failed", "error", err)
		} else if metric != nil {
			t.Progress.LatestMetric = metric
			if met {
				t.Complete("goal_met", metric)
				s.archive(t)
			}
		}
	}

	if t.Status == task.StatusRunning {
		if reason := enforceLimits(t, s.streaks, now); reason != "" {
			slog.Info("Task limit reached", "reason", reason, "task_id", t.ID)
			t.Stop(reason)
		}
	}

	if err := task.Save(path, t); err != nil {
		slog.Error("Failed to save task", "error", err)
	}
}

// confirmCompletion settles an agent-declared completion. With a verify
// command the goal must measure as met; a miss reopens the task and the next
// prompt says why. A confirmed completion gets its memory archived.
func (s *Supervisor) confirmCompletion(ctx context.Context, t *task.Task, path string) {
	if t.Goal.VerifyCommand != "" {
		metric, met, err := runVerify(ctx, s.cfg.Exec, t)
		if metric != nil {
			t.Progress.LatestMetric = metric
		}
		if err != nil || !met {
			if err != nil {
				slog.Warn("Completion verification errored", "task_id", t.ID, "error", err)
			} else {
				slog.Info("Completion verification did not meet the goal", "task_id", t.ID)
			}
			t.Reopen()
			s.verifyFailed = true
			if serr := task.Save(path, t); serr != nil {
				slog.Error("Failed to save reopened task", "error", serr)
			}
			return
		}
	}

	now := time.Now().UTC()
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if t.CompletionReason == "" {
		t.CompletionReason = "goal_met"
	}
	s.archive(t)
	if err := task.Save(path, t); err != nil {
		slog.Error("Failed to save completed task", "error", err)
	}
	slog.Info("Task completed", "task_id", t.ID, "reason", t.CompletionReason)
}

func (s *Supervisor) archive(t *task.Task) {
	if err := workspace.ArchiveMemory(s.cfg.WorkspaceRoot, t.ID); err != nil {
		slog.Warn("Failed to archive memory", "task_id", t.ID, "error", err)
	}
}

// escalate bumps the prompt strategy as the consecutive-empty streak grows.
// At the reinit threshold all soft state resets and the next prompt starts
// from a clean orientation.
func (s *Supervisor) escalate() {
	switch {
	case s.streaks.Empty >= escalateReinitAfter:
		slog.Warn("Reinitializing after prolonged stall", "empty_streak", s.streaks.Empty)
		s.streaks = Streaks{}
		s.memory = memoryTracker{}
		s.relayedAnswers = make(map[string]bool)
		s.needFull = true
	case s.streaks.Empty >= escalateFullAfter:
		s.needFull = true
	}
}

// collectNewAnswers returns answered questions not yet surfaced to the agent
// and marks them relayed.
func (s *Supervisor) collectNewAnswers(t *task.Task) []task.Question {
	var fresh []task.Question
	for _, q := range t.Questions {
		if q.Answered() && !s.relayedAnswers[q.ID] {
			s.relayedAnswers[q.ID] = true
			fresh = append(fresh, q)
		}
	}
	return fresh
}

// waitUntilReady blocks while the supervisor is paused, humans are active, or
// the engine cannot take a prompt (session down or a turn in flight).
// Prompting resumes only after the human count has been zero for the settle
// window. Time spent here never counts against the streaks.
func (s *Supervisor) waitUntilReady(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.paused || s.humans > 0 || !s.ocConnected || s.agentBusy {
			if err := s.idle(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		ready, err := s.settleHumans(ctx)
		if err != nil {
			return err
		}
		if ready && s.ocConnected && !s.agentBusy {
			return nil
		}
	}
}

// settleHumans waits the settle window, confirming no human connects during
// it. Returns ready=false if one did.
func (s *Supervisor) settleHumans(ctx context.Context) (bool, error) {
	timer := time.NewTimer(s.cfg.PresenceSettle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return true, nil
		case in, ok := <-s.client.Frames():
			if !ok {
				return false, fmt.Errorf("gateway stream closed")
			}
			if err := s.handleBackground(in); err != nil {
				return false, err
			}
			if s.humans > 0 {
				return false, nil
			}
		}
	}
}

// idle waits for d while keeping control and presence state current.
func (s *Supervisor) idle(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case in, ok := <-s.client.Frames():
			if !ok {
				return fmt.Errorf("gateway stream closed")
			}
			if err := s.handleBackground(in); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) handleBackground(in Incoming) error {
	switch in.Kind {
	case KindControl:
		return s.applyControl(in.Action)
	case KindPresence:
		s.humans = in.Humans
	case KindStatus:
		s.humans = in.Humans
		s.agentBusy = in.AgentBusy
		s.ocConnected = in.OCConnected
	}
	return nil
}

// applyControl reacts to operator control actions forwarded by the gateway.
// Stop and restart both end the process: stop after recording the task as
// operator-stopped, restart so the watchdog respawns a clean supervisor.
func (s *Supervisor) applyControl(action string) error {
	slog.Info("Control action received", "action", action)
	switch action {
	case events.ActionPause:
		s.paused = true
	case events.ActionResume:
		s.paused = false
	case events.ActionRestart:
		return ErrRestartRequested
	case events.ActionStop:
		path := workspace.TaskPath(s.cfg.WorkspaceRoot)
		if t, err := task.Load(path); err == nil {
			t.Stop(task.ReasonOperator)
			if err := task.Save(path, t); err != nil {
				slog.Error("Failed to save stopped task", "error", err)
			}
		}
		return ErrStopRequested
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
