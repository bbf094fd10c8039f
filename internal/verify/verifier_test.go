package verify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/internal/task"
)

func record(kind task.ActionKind, target, beforeURL, afterURL string, changed bool) task.ActionRecord {
	hashAfter := "h1"
	if changed {
		hashAfter = "h2"
	}
	return task.ActionRecord{
		Kind:         kind,
		Target:       target,
		Before:       task.Fingerprint{URL: beforeURL, ContentHash: "h1"},
		After:        task.Fingerprint{URL: afterURL, ContentHash: hashAfter},
		Executed:     true,
		StateChanged: changed,
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryCreation, Classify("Create a new project for the team"))
	assert.Equal(t, CategoryModification, Classify("Update the billing address"))
	assert.Equal(t, CategoryDeletion, Classify("Delete the old draft"))
	assert.Equal(t, CategorySearch, Classify("Search for open invoices"))
	assert.Equal(t, CategoryRead, Classify("Check the latest order status"))
	assert.Equal(t, CategoryInteraction, Classify("Do the thing"))
}

func TestVerify_CleanSuccess(t *testing.T) {
	v := New()
	initial := "https://app.test/projects"
	final := "https://app.test/projects/42"
	history := []task.ActionRecord{
		record(task.ActionType, "project name", initial, initial, true),
		record(task.ActionClick, "Save", initial, final, true),
	}

	result := v.Verify("create a project named Alpha", history, initial, final, 20*time.Second)

	assert.Equal(t, task.StatusSuccess, result.Status)
	assert.GreaterOrEqual(t, result.CompletionPercent, 65.0)
	assert.NotEmpty(t, result.Reasons)
}

func TestVerify_StuckOnStartPage(t *testing.T) {
	v := New()
	start := "https://app.test/home"
	history := []task.ActionRecord{
		record(task.ActionClick, "New", start, start, false),
		record(task.ActionClick, "New", start, start, false),
		record(task.ActionClick, "New", start, start, false),
	}

	result := v.Verify("create a report", history, start, start, time.Minute)

	assert.Equal(t, task.StatusFailure, result.Status)
	assert.Less(t, result.CompletionPercent, 40.0)
}

func TestVerify_Idempotent(t *testing.T) {
	v := New()
	initial := "https://app.test/items"
	final := "https://app.test/items/7"
	history := []task.ActionRecord{
		record(task.ActionType, "title", initial, initial, true),
		record(task.ActionClick, "Create", initial, final, true),
	}

	first := v.Verify("add an item", history, initial, final, time.Second)
	second := v.Verify("add an item", history, initial, final, time.Second)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.CompletionPercent, second.CompletionPercent)
	assert.Equal(t, first.Reasons, second.Reasons)
}

func TestVerify_DoneShortCircuits(t *testing.T) {
	v := New()
	start := "https://app.test/home"
	history := []task.ActionRecord{
		record(task.ActionClick, "Open settings", start, start+"/settings", true),
		{Kind: task.ActionDone, Executed: true},
	}

	result := v.Verify("change the notification settings", history, start, start+"/settings", time.Second)

	assert.Equal(t, task.StatusSuccess, result.Status)
	assert.GreaterOrEqual(t, result.Confidence, 0.9)
}

func TestVerify_PartialProgress(t *testing.T) {
	v := New()
	initial := "https://app.test/inbox"
	final := "https://app.test/compose"
	// Typing happened but the send click never did.
	history := []task.ActionRecord{
		record(task.ActionType, "recipient", final, final, true),
	}

	result := v.Verify("create a message to the billing team", history, initial, final, time.Second)

	assert.Equal(t, task.StatusPartial, result.Status)
}

func TestVerify_NegativeIndicators(t *testing.T) {
	v := New()
	initial := "https://app.test/home"
	final := "https://app.test/error"
	history := []task.ActionRecord{
		record(task.ActionClick, "Save", initial, final, true),
	}

	result := v.Verify("delete the draft", history, initial, final, time.Second)

	require.NotEmpty(t, result.Reasons)
	assert.NotEqual(t, task.StatusSuccess, result.Status)
	found := false
	for _, r := range result.Reasons {
		if strings.HasPrefix(r, "negative indicator:") {
			found = true
		}
	}
	assert.True(t, found, "expected a negative indicator reason")
}

func TestExtractEntities(t *testing.T) {
	entities := ExtractEntities(`create a board called Roadmap and a list named "Next Up"`)
	assert.Contains(t, entities, "Roadmap")
	assert.Contains(t, entities, "Next Up")
}

func TestVerifyStep(t *testing.T) {
	v := New()
	initial := "https://app.test/docs"
	current := "https://app.test/docs/15"
	history := []task.ActionRecord{
		record(task.ActionType, "title", initial, initial, true),
		record(task.ActionClick, "Create", initial, current, true),
	}

	assert.True(t, v.VerifyStep("create a document", history, initial, current))
	assert.False(t, v.VerifyStep("create a document", nil, initial, initial))
}
