package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/webpilot/webpilot/internal/task"
	"github.com/webpilot/webpilot/internal/verify"
)

// Guidance is the advisory context handed to the oracle before each
// decision. Empty guidance is valid: a domain the store has never seen
// produces no advice and no error.
type Guidance struct {
	KnownGoodActions    []string
	KnownBadActions     []string
	RecoverySuggestions []string
	DomainQuirks        *Quirks
}

// Empty reports whether the guidance carries nothing worth prompting.
func (g Guidance) Empty() bool {
	return len(g.KnownGoodActions) == 0 &&
		len(g.KnownBadActions) == 0 &&
		len(g.RecoverySuggestions) == 0 &&
		g.DomainQuirks == nil
}

// PromptLines renders the guidance as plain lines for the oracle prompt.
func (g Guidance) PromptLines() []string {
	var lines []string
	if len(g.KnownGoodActions) > 0 {
		lines = append(lines, "Actions that worked here before: "+strings.Join(g.KnownGoodActions, ", "))
	}
	if len(g.KnownBadActions) > 0 {
		lines = append(lines, "Actions that keep failing here: "+strings.Join(g.KnownBadActions, "; "))
	}
	lines = append(lines, g.RecoverySuggestions...)
	if q := g.DomainQuirks; q != nil {
		if q.NeedsLongWaits {
			lines = append(lines, "This site is slow; prefer wait actions after submitting.")
		}
		if q.HasOverlays {
			lines = append(lines, "This site shows overlays that block clicks; dismiss them first.")
		}
		if q.NavigationDelayMS > 0 {
			lines = append(lines, fmt.Sprintf("Pages here take about %dms to settle after navigation.", q.NavigationDelayMS))
		}
	}
	return lines
}

// GuidanceFor is the read path the engine consults before each decision.
// Reads take the shared lock only; a racing writer at worst delays one
// piece of advice by a run.
func (s *Store) GuidanceFor(goal, currentURL string, recent []task.ActionRecord) Guidance {
	domain := task.Domain(currentURL)
	bucket := bucketKey(domain, verify.Classify(goal))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var g Guidance

	if p, ok := s.patterns[bucket]; ok && len(p.KeyActions) > 0 {
		g.KnownGoodActions = append(g.KnownGoodActions, p.KeyActions...)
	}

	if sigs, ok := s.failures[bucket]; ok && len(sigs) > 0 {
		type entry struct {
			sig   string
			count int
		}
		entries := make([]entry, 0, len(sigs))
		for sig, count := range sigs {
			entries = append(entries, entry{sig, count})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].count != entries[j].count {
				return entries[i].count > entries[j].count
			}
			return entries[i].sig < entries[j].sig
		})
		limit := 5
		if len(entries) < limit {
			limit = len(entries)
		}
		for _, e := range entries[:limit] {
			kind, target, _ := strings.Cut(e.sig, "|")
			g.KnownBadActions = append(g.KnownBadActions, fmt.Sprintf("%s on %q (failed %d times)", kind, target, e.count))
		}
	}

	if lastFailed := lastFailedKind(recent); lastFailed != "" {
		if pairs, ok := s.recoveries[domain]; ok {
			best := bestRecovery(pairs, lastFailed)
			if best != nil {
				g.RecoverySuggestions = append(g.RecoverySuggestions,
					fmt.Sprintf("After a failed %s here, %s has worked %d times.", best.FailedKind, best.RecoveryKind, best.Successes))
			}
		}
	}

	if q, ok := s.quirks[domain]; ok {
		copied := *q
		g.DomainQuirks = &copied
	}

	return g
}

func lastFailedKind(recent []task.ActionRecord) string {
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Ineffective() || !recent[i].Executed {
			return string(recent[i].Kind)
		}
	}
	return ""
}

func bestRecovery(pairs map[string]*Recovery, failedKind string) *Recovery {
	var best *Recovery
	for _, rec := range pairs {
		if rec.FailedKind != failedKind {
			continue
		}
		if best == nil || rec.Successes > best.Successes {
			best = rec
		}
	}
	return best
}
