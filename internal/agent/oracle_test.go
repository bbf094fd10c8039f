package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/webpilot/webpilot/internal/observability"
	"github.com/webpilot/webpilot/internal/task"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"action":"click"}`, `{"action":"click"}`},
		{"fenced", "```json\n{\"action\":\"click\"}\n```", `{"action":"click"}`},
		{"prose wrapped", `Sure! Here is my decision: {"action":"wait","value":"2"} Hope that helps.`, `{"action":"wait","value":"2"}`},
		{"no object", "I cannot decide", "I cannot decide"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}

func TestDecideEmptyResponseFallsBackToWait(t *testing.T) {
	o := NewLLMOracle(&fakeModel{resp: &llms.ContentResponse{}}, NewPromptManager(""), nil)

	proposal, err := o.Decide(context.Background(), DecisionInput{Goal: "do anything"})
	require.NoError(t, err)
	assert.Equal(t, string(task.ActionWait), proposal.Kind)
	assert.Contains(t, proposal.Rationale, "no choices")
}

func TestConfirmStuckEmptyResponseKeepsGoing(t *testing.T) {
	o := NewLLMOracle(&fakeModel{resp: &llms.ContentResponse{}}, NewPromptManager(""), nil)

	quit, err := o.ConfirmStuck(context.Background(), DecisionInput{Goal: "do anything"})
	require.NoError(t, err)
	assert.False(t, quit)
}

func TestDecideLogsRunID(t *testing.T) {
	t.Chdir(t.TempDir())

	model := &fakeModel{resp: textResponse(`{"action":"wait","reasoning":"thinking"}`)}
	o := NewLLMOracle(model, NewPromptManager(""), observability.NewLogger())

	_, err := o.Decide(context.Background(), DecisionInput{RunID: "run-f3", Goal: "do anything"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join("logs", "llm.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"run-f3"`)
}

func TestRenderDecisionPrompt(t *testing.T) {
	o := &LLMOracle{MaxElements: 2}
	prompt := o.renderDecisionPrompt(DecisionInput{
		Goal: "Create a new project named Alpha",
		Observation: task.Observation{
			URL:   "https://app.example.com/projects",
			Title: "Projects",
			Elements: []task.ElementRef{
				{Tag: "button", Text: "New Project", Selector: "#new"},
				{Tag: "a", Text: "Settings", Selector: "#settings"},
				{Tag: "a", Text: "Help", Selector: "#help"},
			},
		},
		Recent:      []string{`click "Old" on https://app.example.com -> no visible change`},
		Guidance:    []string{"known good actions: click, type"},
		StuckReason: "repeating ineffective action",
	})

	assert.Contains(t, prompt, "Create a new project named Alpha")
	assert.Contains(t, prompt, "New Project")
	assert.Contains(t, prompt, "known good actions")
	assert.Contains(t, prompt, "repeating ineffective action")
	// Element list is capped.
	assert.NotContains(t, prompt, "Help")
	assert.Equal(t, 1, strings.Count(prompt, "RECENT ACTIONS"))
}
