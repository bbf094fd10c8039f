package task

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status tracks a run (and, for the terminal subset, its verdict).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Phase is the engine's bounded state machine for one run.
type Phase string

const (
	PhasePlanned  Phase = "planned"
	PhaseAdaptive Phase = "adaptive"
	PhaseTerminal Phase = "terminal"
)

// Event is one entry in the run's captured-event log.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// VerificationResult is the graded verdict for a completed run. It is
// produced once, immutable, and appended to the run's event log as its
// terminal record.
type VerificationResult struct {
	Status            Status         `json:"status"`
	Confidence        float64        `json:"confidence"`
	CompletionPercent float64        `json:"completion_percent"`
	Reasons           []string       `json:"reasons"`
	Evidence          map[string]any `json:"evidence,omitempty"`
}

// Run is the full mutable state of one plan execution. It is owned by a
// single engine instance; all run-wide counters live here rather than in
// loop-local variables so every step call sees the same state.
type Run struct {
	ID      string `json:"id"`
	Task    string `json:"task"`
	AppName string `json:"app_name"`
	AppURL  string `json:"app_url"`

	StepIndex int            `json:"step_index"`
	History   []ActionRecord `json:"history"`
	Events    []Event        `json:"events"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Status      Status    `json:"status"`
	Phase       Phase     `json:"phase"`

	ConsecutiveErrors int       `json:"consecutive_errors"`
	StuckEscalations  int       `json:"stuck_escalations"`
	LastProgress      time.Time `json:"last_progress"`

	Verdict *VerificationResult `json:"verdict,omitempty"`
}

func NewRun(taskText, appName, appURL string) *Run {
	now := time.Now()
	return &Run{
		ID:           uuid.New().String(),
		Task:         taskText,
		AppName:      appName,
		AppURL:       appURL,
		StartedAt:    now,
		LastProgress: now,
		Status:       StatusPending,
		Phase:        PhasePlanned,
	}
}

// AppendAction records an executed action. Records are strictly ordered by
// execution; nothing ever rewrites an earlier entry.
func (r *Run) AppendAction(rec ActionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.History = append(r.History, rec)
}

// AppendEvent adds an entry to the captured-event log.
func (r *Run) AppendEvent(typ string, data map[string]any) {
	r.Events = append(r.Events, Event{Type: typ, Timestamp: time.Now(), Data: data})
}

// Window returns the last n action records (or fewer, early in a run).
// The returned slice is a prefix-consistent view: callers only ever see
// actions in execution order.
func (r *Run) Window(n int) []ActionRecord {
	if len(r.History) <= n {
		return r.History
	}
	return r.History[len(r.History)-n:]
}

// Domain extracts the target host, used to bucket learned knowledge.
func (r *Run) Domain() string {
	return Domain(r.AppURL)
}

// Domain normalizes a raw URL to its host. A bare host passes through.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(u.Host)
}

// Document serializes the run, its event log, and its verdict into the
// single report document handed to persistence.
func (r *Run) Document() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
