package task

// StepKind classifies a plan step and drives the engine's dispatch.
type StepKind string

const (
	StepNavigate     StepKind = "navigate"
	StepAuthenticate StepKind = "authenticate"
	StepCapture      StepKind = "capture"
	StepInteract     StepKind = "interact"
	StepVerify       StepKind = "verify"
)

// PlanStep represents a single unit of work in a task plan.
type PlanStep struct {
	Seq         int      `json:"seq"`
	Name        string   `json:"name"`
	Kind        StepKind `json:"kind"`
	Description string   `json:"description"`
	Expect      string   `json:"expect,omitempty"`
	Locator     string   `json:"locator,omitempty"`
	WaitSeconds int      `json:"wait_seconds,omitempty"`
}

// Plan is the ordered list of steps produced by the planner for one run.
// It is read-only once created; the engine never mutates it.
type Plan struct {
	Task    string     `json:"task"`
	AppName string     `json:"app_name"`
	AppURL  string     `json:"app_url"`
	Steps   []PlanStep `json:"steps"`
}
