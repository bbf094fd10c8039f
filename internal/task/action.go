package task

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind is the closed set of actions the engine knows how to execute.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionKeyboard ActionKind = "keyboard"
	ActionWait     ActionKind = "wait"
	ActionScroll   ActionKind = "scroll"
	ActionBack     ActionKind = "back"
	ActionDone     ActionKind = "done"
)

var actionKinds = map[ActionKind]bool{
	ActionClick:    true,
	ActionType:     true,
	ActionKeyboard: true,
	ActionWait:     true,
	ActionScroll:   true,
	ActionBack:     true,
	ActionDone:     true,
}

// ParseActionKind maps a free-form string onto a known action kind.
func ParseActionKind(s string) (ActionKind, bool) {
	k := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	return k, actionKinds[k]
}

// Fingerprint identifies the observable state of the page at one moment.
type Fingerprint struct {
	URL         string `json:"url"`
	ContentHash string `json:"content_hash"`
}

func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.URL == other.URL && f.ContentHash == other.ContentHash
}

// ActionRecord is the logged outcome of one decided-and-executed action.
// Records are append-only: written once, never mutated.
//
// StateChanged is always derived by the engine from the Before/After
// fingerprints. The oracle's own claim that an action "worked" is never
// copied into it.
type ActionRecord struct {
	Kind         ActionKind  `json:"kind"`
	Target       string      `json:"target,omitempty"`
	Locator      string      `json:"locator,omitempty"`
	Value        string      `json:"value,omitempty"`
	Before       Fingerprint `json:"before"`
	After        Fingerprint `json:"after"`
	Executed     bool        `json:"executed"`
	StateChanged bool        `json:"state_changed"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Signature collapses a record to the identity used for loop detection
// and failure bookkeeping.
func (r ActionRecord) Signature() string {
	return fmt.Sprintf("%s|%s", r.Kind, r.Target)
}

// Ineffective reports whether the action ran but visibly changed nothing.
func (r ActionRecord) Ineffective() bool {
	return r.Executed && !r.StateChanged
}

// Summary renders the record as one line for oracle prompts.
func (r ActionRecord) Summary() string {
	outcome := "no visible change"
	if !r.Executed {
		outcome = "failed to execute"
	} else if r.StateChanged {
		outcome = "page changed"
	}
	if r.Value != "" {
		return fmt.Sprintf("%s %q (value %q) on %s -> %s", r.Kind, r.Target, r.Value, r.Before.URL, outcome)
	}
	return fmt.Sprintf("%s %q on %s -> %s", r.Kind, r.Target, r.Before.URL, outcome)
}

// ElementRef is one interactive element surfaced to the oracle.
type ElementRef struct {
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// Observation is a cheap snapshot of the current page state.
type Observation struct {
	URL         string       `json:"url"`
	ContentHash string       `json:"content_hash"`
	Title       string       `json:"title,omitempty"`
	Excerpt     string       `json:"excerpt,omitempty"`
	Elements    []ElementRef `json:"elements,omitempty"`
}

// Fingerprint returns the state identity of the observation.
func (o Observation) Fingerprint() Fingerprint {
	return Fingerprint{URL: o.URL, ContentHash: o.ContentHash}
}

// ProposedAction is the oracle's raw decision. Field names follow the JSON
// shape the oracle is prompted to emit. A proposal is untrusted input:
// callers must pass it through Normalize before acting on it.
type ProposedAction struct {
	Kind         string `json:"action"`
	Target       string `json:"target,omitempty"`
	Locator      string `json:"selector,omitempty"`
	Value        string `json:"value,omitempty"`
	Capture      bool   `json:"capture,omitempty"`
	Rationale    string `json:"reasoning,omitempty"`
	TaskComplete bool   `json:"task_complete,omitempty"`
	GoBack       bool   `json:"go_back,omitempty"`
}

// NeutralWait is the defaulted action substituted for malformed or denied
// proposals.
func NeutralWait(reason string) ProposedAction {
	return ProposedAction{Kind: string(ActionWait), Rationale: reason}
}

// Normalize validates the proposal at the trust boundary: unknown or empty
// kinds degrade to a neutral wait, and a "done" kind implies TaskComplete.
func (p ProposedAction) Normalize() ProposedAction {
	kind, ok := ParseActionKind(p.Kind)
	if !ok {
		out := NeutralWait(fmt.Sprintf("unrecognized action %q", p.Kind))
		out.GoBack = p.GoBack
		out.TaskComplete = p.TaskComplete
		return out
	}
	p.Kind = string(kind)
	if kind == ActionDone {
		p.TaskComplete = true
	}
	p.Target = strings.TrimSpace(p.Target)
	p.Locator = strings.TrimSpace(p.Locator)
	return p
}

// ActionKind returns the parsed kind of a normalized proposal.
func (p ProposedAction) ActionKind() ActionKind {
	k, ok := ParseActionKind(p.Kind)
	if !ok {
		return ActionWait
	}
	return k
}
