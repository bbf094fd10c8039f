// Package stuck classifies unproductive repetition in recent actions.
// Detection is a pure function over an ordered window of action records:
// it never takes corrective action itself, the engine decides what a
// positive result means.
package stuck

import (
	"fmt"

	"github.com/webpilot/webpilot/internal/task"
)

// minWindow is the fewest records worth inspecting. Below this, every
// heuristic would fire on normal warm-up behavior.
const minWindow = 4

// Detect reports whether the window looks like an unproductive loop,
// with a human-readable reason. Checks run in priority order; the first
// match wins. For a fixed window the result is always the same.
func Detect(window []task.ActionRecord) (bool, string) {
	if len(window) < minWindow {
		return false, ""
	}

	if n := consecutiveIneffectivePairs(window); n >= 2 {
		return true, fmt.Sprintf("repeating ineffective action (%d consecutive identical no-op pairs)", n)
	}

	if n := distinctSignatures(window); n < 3 {
		return true, fmt.Sprintf("low action diversity (%d distinct actions across last %d)", n, len(window))
	}

	if url, ok := futileClicks(window); ok {
		return true, fmt.Sprintf("clicking without effect on %s", url)
	}

	if oscillating(window) {
		return true, "oscillation (alternating A-B-A-B action pattern)"
	}

	return false, ""
}

// consecutiveIneffectivePairs counts adjacent record pairs that share
// kind, target and pre-action URL with neither producing a state change.
func consecutiveIneffectivePairs(window []task.ActionRecord) int {
	pairs := 0
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1], window[i]
		if prev.Kind == cur.Kind &&
			prev.Target == cur.Target &&
			prev.Before.URL == cur.Before.URL &&
			prev.Ineffective() && cur.Ineffective() {
			pairs++
		}
	}
	return pairs
}

func distinctSignatures(window []task.ActionRecord) int {
	seen := make(map[string]bool, len(window))
	for _, rec := range window {
		seen[rec.Signature()] = true
	}
	return len(seen)
}

// futileClicks looks for three or more clicks on one URL where none of
// them changed the page.
func futileClicks(window []task.ActionRecord) (string, bool) {
	clicks := make(map[string]int)
	changed := make(map[string]bool)
	for _, rec := range window {
		if rec.Kind != task.ActionClick {
			continue
		}
		clicks[rec.Before.URL]++
		if rec.StateChanged {
			changed[rec.Before.URL] = true
		}
	}
	for url, n := range clicks {
		if n >= 3 && !changed[url] {
			return url, true
		}
	}
	return "", false
}

// oscillating matches an A-B-A-B signature pattern across the last four
// actions.
func oscillating(window []task.ActionRecord) bool {
	last := window[len(window)-4:]
	a, b := last[0].Signature(), last[1].Signature()
	return a != b && last[2].Signature() == a && last[3].Signature() == b
}
