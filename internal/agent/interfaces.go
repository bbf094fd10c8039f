package agent

import (
	"context"

	"github.com/webpilot/webpilot/internal/knowledge"
	"github.com/webpilot/webpilot/internal/task"
)

// Planner produces the initial step plan for a task. Implementations
// must return a usable plan even on internal failure; the engine never
// special-cases a missing plan.
type Planner interface {
	Plan(ctx context.Context, taskText, appName, appURL string) (*task.Plan, error)
}

// DecisionInput is everything the oracle sees when picking the next action.
type DecisionInput struct {
	RunID       string
	Observation task.Observation
	Goal        string
	Recent      []string
	Guidance    []string
	StuckReason string
}

// Oracle proposes the next action given the current observation and goal.
// Its output is a proposal, never ground truth: the engine re-observes
// to judge effect and normalizes malformed responses to a neutral wait.
type Oracle interface {
	Decide(ctx context.Context, input DecisionInput) (task.ProposedAction, error)
	// ConfirmStuck asks whether to give up after repeated unproductive
	// loops. True means stop the run gracefully.
	ConfirmStuck(ctx context.Context, input DecisionInput) (bool, error)
}

// Surface is the low-level automation surface. Calls must be safe to
// retry, and CurrentObservation cheap enough to run before and after
// every action.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	ExecuteAction(ctx context.Context, action task.ProposedAction) (bool, error)
	CaptureSnapshot(ctx context.Context) (string, error)
	CurrentObservation(ctx context.Context) (task.Observation, error)
}

// Auth logs the surface in when credentials are configured. Absence of
// credentials is a silent no-op.
type Auth interface {
	EnsureLoggedIn(ctx context.Context) error
}

// Knowledge is the engine's view of the learning store. A nil Knowledge
// disables learning without changing engine behavior.
type Knowledge interface {
	StartRun(taskText, domain string) *knowledge.RunHandle
	RecordAction(h *knowledge.RunHandle, rec task.ActionRecord)
	RecordRecovery(h *knowledge.RunHandle, failedKind, recoveryKind task.ActionKind, succeeded bool)
	CompleteRun(h *knowledge.RunHandle, verdict task.VerificationResult)
	GuidanceFor(goal, currentURL string, recent []task.ActionRecord) knowledge.Guidance
}
