package knowledge

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/webpilot/webpilot/internal/task"
)

// IngestCorrection diffs a generated plan against a user-corrected one,
// position by position, and folds the differences into the domain's
// correction stats. A changed locator counts as a selector correction, a
// changed wait becomes part of the timeout running average, and added or
// removed steps are logged verbatim for later suggestion.
func (s *Store) IngestCorrection(domain string, generated, corrected []task.PlanStep) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.corrections[domain]
	if cs == nil {
		cs = &CorrectionStats{}
		s.corrections[domain] = cs
	}

	shared := len(generated)
	if len(corrected) < shared {
		shared = len(corrected)
	}

	for i := 0; i < shared; i++ {
		gen, cor := generated[i], corrected[i]
		if gen.Locator != cor.Locator {
			cs.SelectorCorrections++
		}
		if gen.WaitSeconds != cor.WaitSeconds && cor.WaitSeconds > 0 {
			total := cs.AvgTimeoutSeconds*float64(cs.TimeoutAdjustments) + float64(cor.WaitSeconds)
			cs.TimeoutAdjustments++
			cs.AvgTimeoutSeconds = total / float64(cs.TimeoutAdjustments)
		}
	}

	for _, step := range corrected[shared:] {
		cs.StepDiffs = append(cs.StepDiffs, "added: "+stepJSON(step))
	}
	for _, step := range generated[shared:] {
		cs.StepDiffs = append(cs.StepDiffs, "removed: "+stepJSON(step))
	}

	s.flushLocked(domain, "")
}

// Corrections returns a copy of the stats for a domain, if any.
func (s *Store) Corrections(domain string) (CorrectionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.corrections[domain]
	if !ok {
		return CorrectionStats{}, false
	}
	out := *cs
	out.StepDiffs = append([]string(nil), cs.StepDiffs...)
	return out, true
}

func stepJSON(step task.PlanStep) string {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Sprintf("%q", step.Name)
	}
	return string(data)
}

// SeedQuirks preloads per-domain quirks from a YAML file, keyed by
// domain. Seeds only fill gaps: learned quirks are never overwritten.
func (s *Store) SeedQuirks(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read quirk seeds: %w", err)
	}

	seeds := make(map[string]Quirks)
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("parse quirk seeds: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for domain, q := range seeds {
		if _, exists := s.quirks[domain]; exists {
			continue
		}
		copied := q
		s.quirks[domain] = &copied
		s.flushLocked(domain, "")
	}
	return nil
}
