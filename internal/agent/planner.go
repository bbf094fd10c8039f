package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/webpilot/webpilot/internal/observability"
	"github.com/webpilot/webpilot/internal/task"
)

// LLMPlanner asks a model for a structured step plan via a forced
// function call. Any failure degrades to DefaultPlan so callers always
// get something executable.
type LLMPlanner struct {
	Model   llms.Model
	Prompts *PromptManager
	Logger  *observability.Logger
}

func NewLLMPlanner(model llms.Model, prompts *PromptManager, logger *observability.Logger) *LLMPlanner {
	return &LLMPlanner{Model: model, Prompts: prompts, Logger: logger}
}

// proposedPlan mirrors the propose_plan tool arguments.
type proposedPlan struct {
	Steps []proposedStep `json:"steps"`
}

type proposedStep struct {
	Seq         int    `json:"seq"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Expect      string `json:"expect"`
	Locator     string `json:"locator"`
	WaitSeconds int    `json:"wait_seconds"`
}

func (p *LLMPlanner) Plan(ctx context.Context, taskText, appName, appURL string) (*task.Plan, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(p.Prompts.GetPlannerPrompt())},
		},
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(fmt.Sprintf(
				"TASK: %s\nAPPLICATION: %s\nURL: %s", taskText, appName, appURL))},
		},
	}

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools(plannerTools()))
	if err != nil {
		log.Printf("Warning: planner model call failed, using default plan: %v", err)
		return DefaultPlan(taskText, appName, appURL), nil
	}

	if len(resp.Choices) == 0 {
		log.Printf("Warning: empty planner response, using default plan")
		return DefaultPlan(taskText, appName, appURL), nil
	}
	choice := resp.Choices[0]
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall.Name != "propose_plan" {
			continue
		}
		if p.Logger != nil {
			p.Logger.LogLLM("", "propose_plan", tc.FunctionCall.Arguments)
		}
		var pp proposedPlan
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &pp); err != nil {
			log.Printf("Warning: failed to parse propose_plan arguments, using default plan: %v", err)
			return DefaultPlan(taskText, appName, appURL), nil
		}
		plan := buildPlan(taskText, appName, appURL, pp)
		if len(plan.Steps) == 0 {
			return DefaultPlan(taskText, appName, appURL), nil
		}
		return plan, nil
	}

	// No tool call means the model answered in prose; treat as a miss.
	log.Printf("Warning: planner returned no propose_plan call, using default plan")
	return DefaultPlan(taskText, appName, appURL), nil
}

var planStepKinds = map[string]task.StepKind{
	"navigate":     task.StepNavigate,
	"authenticate": task.StepAuthenticate,
	"capture":      task.StepCapture,
	"interact":     task.StepInteract,
	"verify":       task.StepVerify,
}

func buildPlan(taskText, appName, appURL string, pp proposedPlan) *task.Plan {
	plan := &task.Plan{Task: taskText, AppName: appName, AppURL: appURL}
	for _, s := range pp.Steps {
		kind, ok := planStepKinds[strings.ToLower(strings.TrimSpace(s.Kind))]
		if !ok {
			// Unknown kinds become interact steps rather than holes in
			// the sequence; the adaptive loop can absorb them.
			kind = task.StepInteract
		}
		plan.Steps = append(plan.Steps, task.PlanStep{
			Seq:         len(plan.Steps) + 1,
			Name:        s.Name,
			Kind:        kind,
			Description: s.Description,
			Expect:      s.Expect,
			Locator:     s.Locator,
			WaitSeconds: s.WaitSeconds,
		})
	}
	if len(plan.Steps) == 0 {
		return plan
	}
	if plan.Steps[0].Kind != task.StepNavigate {
		plan.Steps = append([]task.PlanStep{{
			Name:        "open application",
			Kind:        task.StepNavigate,
			Description: "Open " + appURL,
		}}, plan.Steps...)
	}
	if plan.Steps[len(plan.Steps)-1].Kind != task.StepVerify {
		plan.Steps = append(plan.Steps, task.PlanStep{
			Name:        "verify outcome",
			Kind:        task.StepVerify,
			Description: "Confirm the task outcome is visible on the page",
		})
	}
	for i := range plan.Steps {
		plan.Steps[i].Seq = i + 1
	}
	return plan
}

// DefaultPlan is the generic fallback: open the application, look
// around, work toward the goal, then verify. It is never empty.
func DefaultPlan(taskText, appName, appURL string) *task.Plan {
	return &task.Plan{
		Task:    taskText,
		AppName: appName,
		AppURL:  appURL,
		Steps: []task.PlanStep{
			{Seq: 1, Name: "open application", Kind: task.StepNavigate, Description: "Open " + appURL},
			{Seq: 2, Name: "survey page", Kind: task.StepCapture, Description: "Capture the landing page state"},
			{Seq: 3, Name: "work toward goal", Kind: task.StepInteract, Description: taskText},
			{Seq: 4, Name: "continue toward goal", Kind: task.StepInteract, Description: taskText},
			{Seq: 5, Name: "finish goal", Kind: task.StepInteract, Description: taskText},
			{Seq: 6, Name: "verify outcome", Kind: task.StepVerify, Description: "Confirm the task outcome is visible on the page"},
		},
	}
}

func plannerTools() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "propose_plan",
				Description: "Submit an ordered plan of steps for the web task.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"steps": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"seq": map[string]any{
										"type": "integer",
									},
									"name": map[string]any{
										"type": "string",
									},
									"kind": map[string]any{
										"type": "string",
										"enum": []string{"navigate", "authenticate", "capture", "interact", "verify"},
									},
									"description": map[string]any{
										"type": "string",
									},
									"expect": map[string]any{
										"type": "string",
									},
									"locator": map[string]any{
										"type": "string",
									},
									"wait_seconds": map[string]any{
										"type": "integer",
									},
								},
								"required": []string{"seq", "name", "kind", "description"},
							},
						},
					},
					"required": []string{"steps"},
				},
			},
		},
	}
}
