package governance

import (
	"context"
	"fmt"
	"regexp"

	"github.com/webpilot/webpilot/internal/task"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request contains the context of a proposed action to be evaluated
// before the engine executes it.
type Request struct {
	Action  task.ProposedAction
	PageURL string
	RunID   string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates oracle proposals against a set of rules.
// Denied proposals are not errors: the engine substitutes a neutral
// wait and records the reason.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine is a basic implementation of PolicyEngine.
type DefaultPolicyEngine struct {
	DeniedKinds map[task.ActionKind]bool
	DeniedURLs  []*regexp.Regexp
	DeniedText  []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedKinds: make(map[task.ActionKind]bool),
		DeniedURLs:  make([]*regexp.Regexp, 0),
		DeniedText:  make([]*regexp.Regexp, 0),
	}
}

func (e *DefaultPolicyEngine) DenyKind(kind task.ActionKind) {
	e.DeniedKinds[kind] = true
}

// DenyURL blocks actions while the page URL matches the pattern.
func (e *DefaultPolicyEngine) DenyURL(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedURLs = append(e.DeniedURLs, re)
	return nil
}

// DenyText blocks actions whose target or value matches the pattern.
func (e *DefaultPolicyEngine) DenyText(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedText = append(e.DeniedText, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedKinds[req.Action.ActionKind()] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Action kind '%s' is restricted by system policy", req.Action.Kind),
		}, nil
	}

	for _, re := range e.DeniedURLs {
		if re.MatchString(req.PageURL) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Page URL matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	for _, re := range e.DeniedText {
		if re.MatchString(req.Action.Target) || re.MatchString(req.Action.Value) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Action content matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}
