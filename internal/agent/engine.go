package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/webpilot/webpilot/internal/governance"
	"github.com/webpilot/webpilot/internal/knowledge"
	"github.com/webpilot/webpilot/internal/observability"
	"github.com/webpilot/webpilot/internal/stuck"
	"github.com/webpilot/webpilot/internal/task"
	"github.com/webpilot/webpilot/internal/verify"
)

// EngineConfig bounds the run. Every phase has its own iteration cap so
// a run always terminates.
type EngineConfig struct {
	MaxAdaptiveCycles    int
	MaxConsecutiveErrors int
	MaxStuckEscalations  int
	InactivityTimeout    time.Duration
	NavigateAttempts     int
	NavigateBackoff      time.Duration
	StuckCheckStart      int
	StuckCheckEvery      int
	StuckWindow          int
	RecentActions        int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAdaptiveCycles:    6,
		MaxConsecutiveErrors: 3,
		MaxStuckEscalations:  2,
		InactivityTimeout:    30 * time.Second,
		NavigateAttempts:     2,
		NavigateBackoff:      500 * time.Millisecond,
		StuckCheckStart:      4,
		StuckCheckEvery:      2,
		StuckWindow:          8,
		RecentActions:        5,
	}
}

// Engine interprets one task plan: it drives the observe-decide-act loop
// per step, consults the stuck detector and knowledge store, extends the
// plan with bounded adaptive cycles when it proves incomplete, and grades
// the run with the verifier. One Engine instance owns one Run at a time;
// concurrency across runs is the queue's job.
type Engine struct {
	Oracle    Oracle
	Surface   Surface
	Auth      Auth
	Policy    governance.PolicyEngine
	Knowledge Knowledge
	Verifier  *verify.Verifier
	Logger    *observability.Logger
	Config    EngineConfig
}

func NewEngine(oracle Oracle, surface Surface) *Engine {
	return &Engine{
		Oracle:   oracle,
		Surface:  surface,
		Verifier: verify.New(),
		Config:   DefaultEngineConfig(),
	}
}

// runState carries the per-run working set that is not part of the
// serialized Run document.
type runState struct {
	run            *task.Run
	plan           *task.Plan
	handle         *knowledge.RunHandle
	initialURL     string
	lastFailedKind task.ActionKind
	doneReported   bool
	forcedStop     bool
	stopReason     string
	retryStep      bool
	stepRetries    int
}

// maxStepRetries caps how often one planned step may be retried after a
// go-back before the engine moves on.
const maxStepRetries = 2

// Run executes the full lifecycle synchronously. The returned Run always
// carries a verification verdict, whatever way the run ended.
func (e *Engine) Run(ctx context.Context, plan *task.Plan) (*task.Run, error) {
	run := task.NewRun(plan.Task, plan.AppName, plan.AppURL)
	run.Status = task.StatusRunning

	state := &runState{run: run, plan: plan, initialURL: plan.AppURL}
	if e.Knowledge != nil {
		state.handle = e.Knowledge.StartRun(plan.Task, run.Domain())
	}

	e.logEvent(observability.EventTypePlan, run.ID, map[string]any{
		"task":  plan.Task,
		"steps": len(plan.Steps),
	})

	e.runPlannedPhase(ctx, state)
	if run.Status == task.StatusRunning && !state.doneReported && !state.forcedStop {
		e.runAdaptivePhase(ctx, state)
	}
	e.finalize(ctx, state)

	return run, nil
}

func (e *Engine) runPlannedPhase(ctx context.Context, state *runState) {
	run, plan := state.run, state.plan

	for run.StepIndex < len(plan.Steps) {
		if e.checkAborts(ctx, state) {
			return
		}

		step := plan.Steps[run.StepIndex]
		e.logEvent(observability.EventTypeStep, run.ID, map[string]any{
			"seq":  step.Seq,
			"kind": string(step.Kind),
			"name": step.Name,
		})

		stop, err := e.dispatchStep(ctx, state, step)
		if err != nil {
			run.ConsecutiveErrors++
			log.Printf("[run %s] step %d (%s) failed: %v", shortID(run.ID), step.Seq, step.Kind, err)
			run.AppendEvent("step_error", map[string]any{"seq": step.Seq, "error": err.Error()})
			if run.ConsecutiveErrors >= e.Config.MaxConsecutiveErrors {
				e.abort(state, fmt.Sprintf("%d consecutive step failures", run.ConsecutiveErrors))
				return
			}
		} else {
			run.ConsecutiveErrors = 0
			run.LastProgress = time.Now()
		}

		if stop {
			return
		}
		if state.retryStep && state.stepRetries < maxStepRetries {
			state.retryStep = false
			state.stepRetries++
			continue
		}
		state.retryStep = false
		state.stepRetries = 0
		run.StepIndex++
	}
}

// runAdaptivePhase grants the run a bounded number of extra interact
// cycles after the plan ran out without a verified success. A static
// plan is an approximation; this is how the engine recovers from an
// incomplete one without re-planning from scratch.
func (e *Engine) runAdaptivePhase(ctx context.Context, state *runState) {
	run := state.run
	run.Phase = task.PhaseAdaptive

	if obs, err := e.Surface.CurrentObservation(ctx); err == nil {
		if e.Verifier.VerifyStep(run.Task, run.History, state.initialURL, obs.URL) {
			return
		}
	}

	run.AppendEvent("adaptive_phase", map[string]any{"max_cycles": e.Config.MaxAdaptiveCycles})

	for cycle := 0; cycle < e.Config.MaxAdaptiveCycles; cycle++ {
		if e.checkAborts(ctx, state) || state.doneReported || state.forcedStop {
			return
		}

		if _, err := e.interactCycle(ctx, state); err != nil {
			run.ConsecutiveErrors++
			if run.ConsecutiveErrors >= e.Config.MaxConsecutiveErrors {
				e.abort(state, fmt.Sprintf("%d consecutive failures in adaptive phase", run.ConsecutiveErrors))
				return
			}
			continue
		}
		run.ConsecutiveErrors = 0
		run.LastProgress = time.Now()

		// Periodic verification: stop early once the evidence says done.
		if cycle%2 == 1 {
			if obs, err := e.Surface.CurrentObservation(ctx); err == nil {
				if e.Verifier.VerifyStep(run.Task, run.History, state.initialURL, obs.URL) {
					return
				}
			}
		}
	}
}

// checkAborts enforces the run-wide fatal triggers: cooperative
// cancellation and the inactivity timeout. Consecutive errors are
// counted at the call sites that observe them.
func (e *Engine) checkAborts(ctx context.Context, state *runState) bool {
	run := state.run
	if ctx.Err() != nil {
		run.Status = task.StatusCancelled
		run.AppendEvent("cancelled", map[string]any{"phase": string(run.Phase)})
		return true
	}
	if time.Since(run.LastProgress) > e.Config.InactivityTimeout {
		e.abort(state, fmt.Sprintf("no successful step in %s", e.Config.InactivityTimeout))
		return true
	}
	return false
}

func (e *Engine) abort(state *runState, reason string) {
	state.run.Status = task.StatusFailure
	state.stopReason = reason
	state.run.AppendEvent("aborted", map[string]any{"reason": reason})
}

func (e *Engine) dispatchStep(ctx context.Context, state *runState, step task.PlanStep) (stop bool, err error) {
	run := state.run

	switch step.Kind {
	case task.StepNavigate:
		return false, e.navigate(ctx, state)

	case task.StepAuthenticate:
		if e.Auth == nil {
			return false, nil
		}
		return false, e.Auth.EnsureLoggedIn(ctx)

	case task.StepCapture:
		path, capErr := e.Surface.CaptureSnapshot(ctx)
		if capErr != nil {
			// Capture is evidence, not progress; losing one is not fatal.
			log.Printf("[run %s] snapshot failed: %v", shortID(run.ID), capErr)
			run.AppendEvent("capture_failed", map[string]any{"error": capErr.Error()})
			return false, nil
		}
		run.AppendEvent("capture", map[string]any{"path": path})
		return false, nil

	case task.StepInteract:
		return e.interactCycle(ctx, state)

	case task.StepVerify:
		obs, obsErr := e.Surface.CurrentObservation(ctx)
		if obsErr != nil {
			return false, obsErr
		}
		if e.Verifier.VerifyStep(run.Task, run.History, state.initialURL, obs.URL) {
			run.AppendEvent("verified_early", map[string]any{"url": obs.URL})
			return true, nil
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (e *Engine) navigate(ctx context.Context, state *runState) error {
	var lastErr error
	for attempt := 0; attempt < e.Config.NavigateAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(e.Config.NavigateBackoff)
		}
		if lastErr = e.Surface.Navigate(ctx, state.plan.AppURL); lastErr == nil {
			return nil
		}
	}
	// Persistent navigation failure skips the step rather than killing
	// the run: later steps may still reach the target.
	log.Printf("[run %s] navigation to %s failed after %d attempts: %v",
		shortID(state.run.ID), state.plan.AppURL, e.Config.NavigateAttempts, lastErr)
	state.run.AppendEvent("navigate_failed", map[string]any{"url": state.plan.AppURL, "error": lastErr.Error()})
	return nil
}

// interactCycle is one observe-decide-act iteration, shared by planned
// interact steps and adaptive cycles.
func (e *Engine) interactCycle(ctx context.Context, state *runState) (stop bool, err error) {
	run := state.run

	before, err := e.Surface.CurrentObservation(ctx)
	if err != nil {
		return false, fmt.Errorf("observe: %w", err)
	}

	input := DecisionInput{
		RunID:       run.ID,
		Observation: before,
		Goal:        run.Task,
		Recent:      recentSummaries(run, e.Config.RecentActions),
	}
	if e.Knowledge != nil {
		guidance := e.Knowledge.GuidanceFor(run.Task, before.URL, run.Window(e.Config.RecentActions))
		input.Guidance = guidance.PromptLines()
	}

	proposal, decideErr := e.Oracle.Decide(ctx, input)
	if decideErr != nil {
		// Oracle malformation is never fatal; fall back to a neutral wait.
		log.Printf("[run %s] oracle decision failed, substituting wait: %v", shortID(run.ID), decideErr)
		proposal = task.NeutralWait(fmt.Sprintf("oracle error: %v", decideErr))
	}
	proposal = proposal.Normalize()

	if proposal.TaskComplete {
		run.AppendAction(task.ActionRecord{
			Kind:     task.ActionDone,
			Before:   before.Fingerprint(),
			After:    before.Fingerprint(),
			Executed: true,
		})
		state.doneReported = true
		e.logEvent(observability.EventTypeAction, run.ID, map[string]any{"kind": "done", "rationale": proposal.Rationale})
		return true, nil
	}

	if proposal.GoBack {
		if backErr := e.Surface.Back(ctx); backErr != nil {
			log.Printf("[run %s] back navigation failed: %v", shortID(run.ID), backErr)
		}
		// The iteration is retried rather than advancing the step
		// counter; for adaptive cycles a retry just spends the cycle.
		state.retryStep = true
		run.AppendEvent("backtrack", map[string]any{"from": before.URL})
		return false, nil
	}

	if e.Policy != nil {
		res, policyErr := e.Policy.Evaluate(ctx, governance.Request{
			Action:  proposal,
			PageURL: before.URL,
			RunID:   run.ID,
		})
		if policyErr == nil && res.Effect == governance.EffectDeny {
			log.Printf("[run %s] action denied by policy: %s", shortID(run.ID), res.Reason)
			run.AppendEvent("policy_deny", map[string]any{"reason": res.Reason, "kind": proposal.Kind})
			proposal = task.NeutralWait(res.Reason).Normalize()
		}
	}

	executed, execErr := e.Surface.ExecuteAction(ctx, proposal)
	if execErr != nil {
		log.Printf("[run %s] %s action failed: %v", shortID(run.ID), proposal.Kind, execErr)
		executed = false
	}

	// Independent re-observation. The oracle's belief that an action
	// worked is worthless; only a fingerprint change counts.
	after, obsErr := e.Surface.CurrentObservation(ctx)
	if obsErr != nil {
		after = before
	}

	rec := task.ActionRecord{
		Kind:         proposal.ActionKind(),
		Target:       proposal.Target,
		Locator:      proposal.Locator,
		Value:        proposal.Value,
		Before:       before.Fingerprint(),
		After:        after.Fingerprint(),
		Executed:     executed,
		StateChanged: executed && !before.Fingerprint().Equal(after.Fingerprint()),
	}
	run.AppendAction(rec)
	if e.Knowledge != nil {
		e.Knowledge.RecordAction(state.handle, rec)
	}
	e.logEvent(observability.EventTypeAction, run.ID, map[string]any{
		"kind":          string(rec.Kind),
		"target":        rec.Target,
		"executed":      rec.Executed,
		"state_changed": rec.StateChanged,
	})

	// Recovery bookkeeping: an effective action right after a failed one
	// is a recovery pair worth learning.
	if !rec.Executed || rec.Ineffective() {
		state.lastFailedKind = rec.Kind
	} else if state.lastFailedKind != "" {
		if e.Knowledge != nil {
			e.Knowledge.RecordRecovery(state.handle, state.lastFailedKind, rec.Kind, rec.StateChanged)
		}
		state.lastFailedKind = ""
	}

	if proposal.Capture {
		if path, capErr := e.Surface.CaptureSnapshot(ctx); capErr == nil {
			run.AppendEvent("capture", map[string]any{"path": path})
		}
	}

	if e.shouldCheckStuck(len(run.History)) {
		if looping, reason := stuck.Detect(run.Window(e.Config.StuckWindow)); looping {
			if e.handleStuck(ctx, state, reason) {
				return true, nil
			}
		}
	}

	return false, nil
}

func (e *Engine) shouldCheckStuck(historyLen int) bool {
	start, every := e.Config.StuckCheckStart, e.Config.StuckCheckEvery
	return historyLen >= start && (historyLen-start)%every == 0
}

// handleStuck escalates a detected loop to the oracle, bounded per run.
// Returns true when the run should stop.
func (e *Engine) handleStuck(ctx context.Context, state *runState, reason string) bool {
	run := state.run
	run.AppendEvent("stuck", map[string]any{"reason": reason, "escalations": run.StuckEscalations})
	e.logEvent(observability.EventTypeStuck, run.ID, map[string]any{"reason": reason})

	if !hasRecentProgress(run, e.Config.StuckWindow) && run.StuckEscalations >= e.Config.MaxStuckEscalations {
		state.forcedStop = true
		state.stopReason = "stuck without progress: " + reason
		run.AppendEvent("forced_stop", map[string]any{"reason": state.stopReason})
		return true
	}

	run.StuckEscalations++
	if run.StuckEscalations > e.Config.MaxStuckEscalations {
		state.forcedStop = true
		state.stopReason = "stuck escalation budget exhausted"
		run.AppendEvent("forced_stop", map[string]any{"reason": state.stopReason})
		return true
	}

	obs, err := e.Surface.CurrentObservation(ctx)
	if err != nil {
		obs = task.Observation{}
	}
	quit, confirmErr := e.Oracle.ConfirmStuck(ctx, DecisionInput{
		RunID:       run.ID,
		Observation: obs,
		Goal:        run.Task,
		Recent:      recentSummaries(run, e.Config.RecentActions),
		StuckReason: reason,
	})
	if confirmErr != nil {
		// Auto-backtrack is the fallback consequence when the oracle
		// cannot be consulted.
		if backErr := e.Surface.Back(ctx); backErr == nil {
			run.AppendEvent("backtrack", map[string]any{"cause": "stuck"})
		}
		return false
	}
	if quit {
		state.forcedStop = true
		state.stopReason = "oracle confirmed quit after: " + reason
		run.AppendEvent("forced_stop", map[string]any{"reason": state.stopReason})
		return true
	}
	return false
}

// finalize grades the run and flushes learning. Every termination path
// goes through here, so no run ever ends without an explainable verdict.
func (e *Engine) finalize(ctx context.Context, state *runState) {
	run := state.run
	run.Phase = task.PhaseTerminal

	finalURL := state.initialURL
	if obs, err := e.Surface.CurrentObservation(ctx); err == nil {
		finalURL = obs.URL
	} else if n := len(run.History); n > 0 {
		finalURL = run.History[n-1].After.URL
	}

	verdict := e.Verifier.Verify(run.Task, run.History, state.initialURL, finalURL, time.Since(run.StartedAt))
	if state.stopReason != "" {
		verdict.Reasons = append([]string{"run stopped: " + state.stopReason}, verdict.Reasons...)
	}
	run.Verdict = &verdict
	run.AppendEvent("verdict", map[string]any{
		"status":     string(verdict.Status),
		"percent":    verdict.CompletionPercent,
		"confidence": verdict.Confidence,
	})

	// An aborted or cancelled run keeps its status; only a run that made
	// it to the end adopts the verifier's grade.
	if run.Status == task.StatusRunning {
		run.Status = verdict.Status
	}
	run.CompletedAt = time.Now()

	e.logEvent(observability.EventTypeVerdict, run.ID, map[string]any{
		"status":  string(run.Status),
		"percent": verdict.CompletionPercent,
	})

	if e.Knowledge != nil {
		e.Knowledge.CompleteRun(state.handle, verdict)
	}
}

func hasRecentProgress(run *task.Run, window int) bool {
	recent := run.Window(window)
	urls := make(map[string]bool)
	for _, rec := range recent {
		if rec.StateChanged {
			return true
		}
		urls[rec.Before.URL] = true
		urls[rec.After.URL] = true
	}
	return len(urls) >= 2
}

func recentSummaries(run *task.Run, n int) []string {
	window := run.Window(n)
	out := make([]string, 0, len(window))
	for i, rec := range window {
		out = append(out, fmt.Sprintf("%d. %s", len(run.History)-len(window)+i+1, rec.Summary()))
	}
	return out
}

func (e *Engine) logEvent(typ observability.EventType, runID string, data map[string]any) {
	if e.Logger == nil {
		return
	}
	e.Logger.Log(observability.Event{Type: typ, RunID: runID, Data: data})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
