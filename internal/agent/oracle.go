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

// LLMOracle drives the decision loop with a chat model. Its answers are
// proposals only: parse failures degrade to a neutral wait rather than
// an error, and the engine independently measures what each action did.
type LLMOracle struct {
	Model   llms.Model
	Prompts *PromptManager
	Logger  *observability.Logger

	// MaxElements caps how many interactive elements are rendered into
	// the prompt. Zero means all.
	MaxElements int
}

func NewLLMOracle(model llms.Model, prompts *PromptManager, logger *observability.Logger) *LLMOracle {
	return &LLMOracle{Model: model, Prompts: prompts, Logger: logger, MaxElements: 40}
}

func (o *LLMOracle) Decide(ctx context.Context, input DecisionInput) (task.ProposedAction, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(o.Prompts.GetDecisionPrompt())},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(o.renderDecisionPrompt(input))},
		},
	}

	resp, err := o.Model.GenerateContent(ctx, messages)
	if err != nil {
		return task.ProposedAction{}, err
	}

	if len(resp.Choices) == 0 {
		log.Printf("Warning: empty oracle response, substituting wait")
		return task.NeutralWait("oracle returned no choices"), nil
	}
	raw := resp.Choices[0].Content
	if o.Logger != nil {
		o.Logger.LogLLM(input.RunID, "decide", raw)
	}

	var proposal task.ProposedAction
	if err := json.Unmarshal([]byte(extractJSON(raw)), &proposal); err != nil {
		log.Printf("Warning: unparseable oracle decision, substituting wait: %v", err)
		return task.NeutralWait("oracle response was not valid JSON"), nil
	}
	return proposal, nil
}

// ConfirmStuck asks the model whether to abandon the run. Any failure
// answers false: giving up needs an explicit yes.
func (o *LLMOracle) ConfirmStuck(ctx context.Context, input DecisionInput) (bool, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(o.Prompts.GetStuckPrompt())},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(o.renderStuckPrompt(input))},
		},
	}

	resp, err := o.Model.GenerateContent(ctx, messages)
	if err != nil {
		return false, err
	}

	if len(resp.Choices) == 0 {
		return false, nil
	}
	raw := resp.Choices[0].Content
	if o.Logger != nil {
		o.Logger.LogLLM(input.RunID, "confirm_stuck", raw)
	}

	var verdict struct {
		GiveUp    bool   `json:"give_up"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &verdict); err != nil {
		return false, nil
	}
	return verdict.GiveUp, nil
}

func (o *LLMOracle) renderDecisionPrompt(input DecisionInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GOAL: %s\n\n", input.Goal)
	fmt.Fprintf(&b, "CURRENT PAGE:\nURL: %s\nTitle: %s\n", input.Observation.URL, input.Observation.Title)
	if input.Observation.Excerpt != "" {
		fmt.Fprintf(&b, "Content excerpt:\n%s\n", input.Observation.Excerpt)
	}

	elements := input.Observation.Elements
	if o.MaxElements > 0 && len(elements) > o.MaxElements {
		elements = elements[:o.MaxElements]
	}
	if len(elements) > 0 {
		b.WriteString("\nINTERACTIVE ELEMENTS:\n")
		for i, el := range elements {
			fmt.Fprintf(&b, "%d. <%s> %q selector=%q\n", i+1, el.Tag, el.Text, el.Selector)
		}
	}

	if len(input.Recent) > 0 {
		b.WriteString("\nRECENT ACTIONS:\n")
		for i, line := range input.Recent {
			fmt.Fprintf(&b, "%d. %s\n", i+1, line)
		}
	}

	if len(input.Guidance) > 0 {
		b.WriteString("\nLEARNED GUIDANCE FOR THIS SITE:\n")
		for _, line := range input.Guidance {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}

	if input.StuckReason != "" {
		fmt.Fprintf(&b, "\nWARNING: the run was flagged as stuck (%s). Pick a materially different approach.\n", input.StuckReason)
	}

	b.WriteString("\nRespond with the single JSON decision object.")
	return b.String()
}

func (o *LLMOracle) renderStuckPrompt(input DecisionInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GOAL: %s\n", input.Goal)
	fmt.Fprintf(&b, "CURRENT URL: %s\n", input.Observation.URL)
	fmt.Fprintf(&b, "STUCK BECAUSE: %s\n", input.StuckReason)

	if len(input.Recent) > 0 {
		b.WriteString("\nRECENT ACTIONS:\n")
		for i, line := range input.Recent {
			fmt.Fprintf(&b, "%d. %s\n", i+1, line)
		}
	}

	b.WriteString("\nShould the run give up? Respond with the JSON verdict object.")
	return b.String()
}

// extractJSON peels markdown fences and surrounding prose off a model
// response, returning the outermost {...} object if one exists.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
