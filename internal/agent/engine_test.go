package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/internal/governance"
	"github.com/webpilot/webpilot/internal/task"
	"github.com/webpilot/webpilot/internal/verify"
)

// fakeOracle replays a scripted decision sequence. Once the script runs
// out it repeats the final decision.
type fakeOracle struct {
	decisions    []task.ProposedAction
	decideErr    error
	giveUp       bool
	confirmErr   error
	decideCalls  int
	confirmCalls int
	runIDs       []string
}

func (o *fakeOracle) Decide(ctx context.Context, input DecisionInput) (task.ProposedAction, error) {
	o.decideCalls++
	o.runIDs = append(o.runIDs, input.RunID)
	if o.decideErr != nil {
		return task.ProposedAction{}, o.decideErr
	}
	idx := o.decideCalls - 1
	if idx >= len(o.decisions) {
		idx = len(o.decisions) - 1
	}
	return o.decisions[idx], nil
}

func (o *fakeOracle) ConfirmStuck(ctx context.Context, input DecisionInput) (bool, error) {
	o.confirmCalls++
	if o.confirmErr != nil {
		return false, o.confirmErr
	}
	return o.giveUp, nil
}

// fakeSurface simulates a page as a (url, revision) pair. Executing an
// action bumps the revision only when effective is true.
type fakeSurface struct {
	url       string
	revision  int
	effective bool

	obsErr  error
	execErr error

	navCalls  int
	backCalls int
	execKinds []task.ActionKind
	captures  int
}

func newFakeSurface(url string) *fakeSurface {
	return &fakeSurface{url: url, effective: true}
}

func (s *fakeSurface) Navigate(ctx context.Context, url string) error {
	s.navCalls++
	s.url = url
	s.revision++
	return nil
}

func (s *fakeSurface) Back(ctx context.Context) error {
	s.backCalls++
	s.revision++
	return nil
}

func (s *fakeSurface) ExecuteAction(ctx context.Context, action task.ProposedAction) (bool, error) {
	if s.execErr != nil {
		return false, s.execErr
	}
	s.execKinds = append(s.execKinds, action.ActionKind())
	if s.effective {
		s.revision++
	}
	return true, nil
}

func (s *fakeSurface) CaptureSnapshot(ctx context.Context) (string, error) {
	s.captures++
	return fmt.Sprintf("/tmp/shot-%d.png", s.captures), nil
}

func (s *fakeSurface) CurrentObservation(ctx context.Context) (task.Observation, error) {
	if s.obsErr != nil {
		return task.Observation{}, s.obsErr
	}
	return task.Observation{
		URL:         s.url,
		ContentHash: fmt.Sprintf("rev-%d", s.revision),
	}, nil
}

func newTestEngine(oracle Oracle, surface Surface) *Engine {
	e := NewEngine(oracle, surface)
	e.Config.NavigateBackoff = time.Millisecond
	return e
}

func interactPlan(taskText string, interactSteps int) *task.Plan {
	plan := &task.Plan{
		Task:    taskText,
		AppName: "demo",
		AppURL:  "https://app.example.com",
	}
	plan.Steps = append(plan.Steps, task.PlanStep{Seq: 1, Name: "open", Kind: task.StepNavigate})
	for i := 0; i < interactSteps; i++ {
		plan.Steps = append(plan.Steps, task.PlanStep{
			Seq: len(plan.Steps) + 1, Name: "work", Kind: task.StepInteract, Description: taskText,
		})
	}
	plan.Steps = append(plan.Steps, task.PlanStep{
		Seq: len(plan.Steps) + 1, Name: "check", Kind: task.StepVerify,
	})
	return plan
}

func TestRunDoneShortCircuit(t *testing.T) {
	oracle := &fakeOracle{decisions: []task.ProposedAction{
		{Kind: "click", Target: "New Project", Locator: "#new"},
		{Kind: "done", Rationale: "project visible", TaskComplete: true},
	}}
	surface := newFakeSurface("https://app.example.com")
	engine := newTestEngine(oracle, surface)

	run, err := engine.Run(context.Background(), interactPlan("Create a new project named Alpha", 3))
	require.NoError(t, err)

	require.NotNil(t, run.Verdict)
	assert.Equal(t, task.StatusSuccess, run.Status)
	assert.GreaterOrEqual(t, run.Verdict.Confidence, 0.9)
	assert.Equal(t, task.PhaseTerminal, run.Phase)
	assert.False(t, run.CompletedAt.IsZero())

	// Reporting done ends the run; the remaining interact steps are skipped.
	assert.Equal(t, 2, oracle.decideCalls)
	last := run.History[len(run.History)-1]
	assert.Equal(t, task.ActionDone, last.Kind)
}

func TestRunThreadsRunIDToOracle(t *testing.T) {
	oracle := &fakeOracle{decisions: []task.ProposedAction{
		{Kind: "done", Rationale: "nothing to do", TaskComplete: true},
	}}
	surface := newFakeSurface("https://app.example.com")
	engine := newTestEngine(oracle, surface)

	run, err := engine.Run(context.Background(), interactPlan("Check the dashboard", 1))
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	require.NotEmpty(t, oracle.runIDs)
	for _, id := range oracle.runIDs {
		assert.Equal(t, run.ID, id)
	}
}

func TestRunDerivesEffectFromFingerprints(t *testing.T) {
	// The oracle insists the click worked, but the page never changes.
	oracle := &fakeOracle{decisions: []task.ProposedAction{
		{Kind: "click", Target: "Submit", Locator: "#go", Rationale: "clicked successfully, task is going well"},
	}}
	surface := newFakeSurface("https://app.example.com")
	surface.effective = false
	engine := newTestEngine(oracle, surface)

	run, err := engine.Run(context.Background(), interactPlan("Submit the form", 1))
	require.NoError(t, err)

	var clicks []task.ActionRecord
	for _, rec := range run.History {
		if rec.Kind == task.ActionClick {
			clicks = append(clicks, rec)
		}
	}
	require.NotEmpty(t, clicks)
	for _, rec := range clicks {
		assert.True(t, rec.Executed)
		assert.False(t, rec.StateChanged, "effect must come from fingerprints, not the oracle's claim")
	}
}

func TestRunTerminatesWhenNothingWorks(t *testing.T) {
	oracle := &fakeOracle{decisions: []task.ProposedAction{
		{Kind: "click", Target: "Ghost", Locator: "#ghost"},
	}}
	surface := newFakeSurface("https://app.example.com")
	surface.effective = false
	engine := newTestEngine(oracle, surface)

	plan := interactPlan("Create a new project named Alpha", 2)
	run, err := engine.Run(context.Background(), plan)
	require.NoError(t, err)

	require.NotNil(t, run.Verdict)
	assert.Equal(t, task.StatusFailure, run.Status)
	assert.LessOrEqual(t, oracle.decideCalls, len(plan.Steps)+engine.Config.MaxAdaptiveCycles)
	require.NotEmpty(t, run.Verdict.Reasons)
	assert.Contains(t, run.Verdict.Reasons[0], "run stopped:")
}

func TestRunStuckEscalationAsksOracle(t *testing.T) {
	oracle := &fakeOracle{
		decisions: []task.ProposedAction{{Kind: "click", Target: "Ghost", Locator: "#ghost"}},
		giveUp:    true,
	}
	surface := newFakeSurface("https://app.example.com")
	surface.effective = false
	engine := newTestEngine(oracle, surface)

	run, err := engine.Run(context.Background(), interactPlan("Create a new project named Alpha", 6))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, oracle.confirmCalls, 1)
	assert.Equal(t, task.StatusFailure, run.Status)
	require.NotEmpty(t, run.Verdict.Reasons)
	assert.Contains(t, run.Verdict.Reasons[0], "run stopped:")
}

func TestRunConsecutiveErrorAbort(t *testing.T) {
	oracle := &fakeOracle{decisions: []task.ProposedAction{{Kind: "click", Target: "X"}}}
	surface := newFakeSurface("https://app.example.com")
	surface.obsErr = errors.New("browser crashed")
	engine := newTestEngine(oracle, surface)

	run, err := engine.Run(context.Background(), interactPlan("Submit the form", 5))
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailure, run.Status)
	require.NotNil(t, run.Verdict, "aborted runs still carry a verdict")
	assert.Equal(t, engine.Config.MaxConsecutiveErrors, run.ConsecutiveErrors)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	oracle := &fakeOracle{decisions: []task.ProposedAction{{Kind: "click", Target: "X"}}}
	surface := newFakeSurface("https://app.example.com")
	engine := newTestEngine(oracle, surface)

	run, err := engine.Run(ctx, interactPlan("Submit the form", 2))
	require.NoError(t, err)

	assert.Equal(t, task.StatusCancelled, run.Status)
	assert.Equal(t, 0, oracle.decideCalls, "cancellation is honored at the step boundary")
	require.NotNil(t, run.Verdict)
}

func TestRunInactivityTimeout(t *testing.T) {
	oracle := &fakeOracle{decisions: []task.ProposedAction{{Kind: "click", Target: "X"}}}
	surface := newFakeSurface("https://app.example.com")
	engine := newTestEngine(oracle, surface)
	engine.Config.InactivityTimeout = 0

	run, err := engine.Run(context.Background(), interactPlan("Submit the form", 2))
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailure, run.Status)
	require.NotEmpty(t, run.Verdict.Reasons)
	assert.Contains(t, run.Verdict.Reasons[0], "no successful step")
}

func TestRunGoBackRetriesStep(t *testing.T) {
	oracle := &fakeOracle{decisions: []task.ProposedAction{
		{Kind: "back", GoBack: true, Rationale: "wrong page"},
		{Kind: "done", TaskComplete: true},
	}}
	surface := newFakeSurface("https://app.example.com")
	engine := newTestEngine(oracle, surface)

	run, err := engine.Run(context.Background(), interactPlan("Create a new project named Alpha", 1))
	require.NoError(t, err)

	assert.Equal(t, 1, surface.backCalls)
	// The go-back spent a retry of the same interact step, not the step itself.
	assert.Equal(t, 2, oracle.decideCalls)
	assert.Equal(t, task.StatusSuccess, run.Status)
}

func TestRunPolicyDenySubstitutesWait(t *testing.T) {
	oracle := &fakeOracle{decisions: []task.ProposedAction{
		{Kind: "keyboard", Value: "ctrl+shift+i"},
		{Kind: "done", TaskComplete: true},
	}}
	surface := newFakeSurface("https://app.example.com")
	engine := newTestEngine(oracle, surface)

	policy := governance.NewDefaultPolicyEngine()
	policy.DenyKind(task.ActionKeyboard)
	engine.Policy = policy

	run, err := engine.Run(context.Background(), interactPlan("Submit the form", 2))
	require.NoError(t, err)

	require.NotEmpty(t, surface.execKinds)
	assert.Equal(t, task.ActionWait, surface.execKinds[0], "denied action degrades to a neutral wait")

	var denied bool
	for _, evt := range run.Events {
		if evt.Type == "policy_deny" {
			denied = true
		}
	}
	assert.True(t, denied)
}

func TestRunOracleErrorFallsBackToWait(t *testing.T) {
	oracle := &fakeOracle{decideErr: errors.New("model unavailable")}
	surface := newFakeSurface("https://app.example.com")
	engine := newTestEngine(oracle, surface)

	run, err := engine.Run(context.Background(), interactPlan("Submit the form", 1))
	require.NoError(t, err)

	require.NotEmpty(t, surface.execKinds)
	for _, k := range surface.execKinds {
		assert.Equal(t, task.ActionWait, k)
	}
	require.NotNil(t, run.Verdict)
}

func TestVerifyStepShortCircuitsPlan(t *testing.T) {
	oracle := &fakeOracle{decisions: []task.ProposedAction{
		{Kind: "click", Target: "Create Project", Locator: "#create"},
	}}
	surface := newFakeSurface("https://app.example.com")
	engine := newTestEngine(oracle, surface)
	engine.Verifier = verify.New()

	// Navigate moves the page, every click changes state; the verify step
	// at the end of the plan should conclude the run without adaptive cycles.
	plan := interactPlan("Create a new project named Alpha", 2)
	run, err := engine.Run(context.Background(), plan)
	require.NoError(t, err)

	require.NotNil(t, run.Verdict)
	assert.LessOrEqual(t, oracle.decideCalls, len(plan.Steps)+engine.Config.MaxAdaptiveCycles)
	assert.NotEqual(t, task.StatusCancelled, run.Status)
}
