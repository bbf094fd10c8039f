package agent

import (
	"io/ioutil"
	"log"
	"path/filepath"
	"sort"
	"strings"
)

// Built-in prompts. A prompt directory can override any of these by
// providing markdown files; without one the defaults are used as-is.
const defaultPlannerPrompt = `You are the planning component of a web task execution engine.
Given a task, the target application name and its URL, produce a short ordered
plan of steps. Each step has a kind: navigate, authenticate, capture, interact,
or verify. Plans start with a navigate step and end with a verify step.
Keep plans between 3 and 8 steps. Call the propose_plan function with the plan.
Never answer in prose.`

const defaultDecisionPrompt = `You are the decision component of a web task execution engine.
You see the current page state and the goal. Respond with exactly one JSON object:
{"action": "click|type|keyboard|wait|scroll|back|done",
 "selector": "<css selector or visible text>",
 "value": "<text to type, key chord, or wait seconds>",
 "capture": false,
 "reasoning": "<one sentence>",
 "task_complete": false,
 "go_back": false}
Pick the single best next action. Set task_complete only when the page itself
proves the goal is met. Set go_back when the current page is a dead end.
No markdown, no prose outside the JSON object.`

const defaultStuckPrompt = `You are reviewing a web automation run that appears to be stuck.
You see the goal, the recent actions and the reason the loop was flagged.
Respond with exactly one JSON object: {"give_up": true|false, "reasoning": "<one sentence>"}.
Answer give_up true only when no untried approach remains.`

type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// GetDecisionPrompt composes the decision prompt from the prompt
// directory, or returns the built-in default when the directory is
// absent or holds no usable files.
func (pm *PromptManager) GetDecisionPrompt() string {
	contents := pm.readOrdered(func(name string) bool {
		return name != "planner.md" && name != "stuck.md"
	})
	if len(contents) == 0 {
		return defaultDecisionPrompt
	}
	return strings.Join(contents, "\n\n---\n\n")
}

// GetPlannerPrompt returns planner.md from the prompt directory, or the
// built-in default.
func (pm *PromptManager) GetPlannerPrompt() string {
	return pm.readSingle("planner.md", defaultPlannerPrompt)
}

// GetStuckPrompt returns stuck.md from the prompt directory, or the
// built-in default.
func (pm *PromptManager) GetStuckPrompt() string {
	return pm.readSingle("stuck.md", defaultStuckPrompt)
}

func (pm *PromptManager) readSingle(name, fallback string) string {
	if pm == nil || pm.Directory == "" {
		return fallback
	}
	data, err := ioutil.ReadFile(filepath.Join(pm.Directory, name))
	if err != nil {
		return fallback
	}
	return string(data)
}

func (pm *PromptManager) readOrdered(keep func(name string) bool) []string {
	if pm == nil || pm.Directory == "" {
		return nil
	}
	files, err := ioutil.ReadDir(pm.Directory)
	if err != nil {
		return nil
	}

	// Sort files to ensure deterministic prompt order.
	order := map[string]int{
		"identity.md": 1,
		"decision.md": 2,
		"safety.md":   3,
		"user.md":     4,
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := order[files[i].Name()]
		oj, okJ := order[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	var contents []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") || !keep(f.Name()) {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := ioutil.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, string(data))
	}
	return contents
}
