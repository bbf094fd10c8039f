package knowledge

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func executed(kind task.ActionKind, target string, changed bool) task.ActionRecord {
	return task.ActionRecord{
		Kind:         kind,
		Target:       target,
		Before:       task.Fingerprint{URL: "https://crm.test/app", ContentHash: "a"},
		After:        task.Fingerprint{URL: "https://crm.test/app", ContentHash: "b"},
		Executed:     true,
		StateChanged: changed,
	}
}

func TestLearnFromSuccess(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		h := s.StartRun("create a contact", "crm.test")
		s.RecordAction(h, executed(task.ActionClick, "New contact", true))
		s.RecordAction(h, executed(task.ActionType, "name", true))
		s.RecordAction(h, executed(task.ActionClick, "Save", true))
		s.CompleteRun(h, task.VerificationResult{Status: task.StatusSuccess})
	}

	g := s.GuidanceFor("create a contact", "https://crm.test/app", nil)
	assert.Contains(t, g.KnownGoodActions, "click")
	assert.Contains(t, g.KnownGoodActions, "type")

	counters := s.GlobalCounters()
	assert.Equal(t, int64(3), counters.Runs)
	assert.Equal(t, int64(3), counters.Successes)
}

func TestLearnFromFailure(t *testing.T) {
	s := openTestStore(t)

	h := s.StartRun("create a contact", "crm.test")
	s.RecordAction(h, executed(task.ActionClick, "Ghost button", false))
	s.RecordAction(h, executed(task.ActionClick, "Ghost button", false))
	s.CompleteRun(h, task.VerificationResult{Status: task.StatusFailure})

	g := s.GuidanceFor("create a contact", "https://crm.test/app", nil)
	require.NotEmpty(t, g.KnownBadActions)
	assert.Contains(t, g.KnownBadActions[0], "Ghost button")
}

func TestRecoveriesOnlyWhenSucceeded(t *testing.T) {
	s := openTestStore(t)

	h := s.StartRun("create a contact", "crm.test")
	s.RecordRecovery(h, task.ActionClick, task.ActionScroll, false)
	s.RecordRecovery(h, task.ActionClick, task.ActionWait, true)
	s.CompleteRun(h, task.VerificationResult{Status: task.StatusPartial})

	recent := []task.ActionRecord{
		executed(task.ActionClick, "Save", false),
	}
	g := s.GuidanceFor("create a contact", "https://crm.test/app", recent)
	require.Len(t, g.RecoverySuggestions, 1)
	assert.Contains(t, g.RecoverySuggestions[0], "wait")
}

func TestGuidanceForUnknownDomain(t *testing.T) {
	s := openTestStore(t)

	g := s.GuidanceFor("create a contact", "https://never.seen.test/", nil)
	assert.True(t, g.Empty())
	assert.Empty(t, g.PromptLines())
}

func TestIngestCorrection(t *testing.T) {
	s := openTestStore(t)

	generated := []task.PlanStep{
		{Seq: 1, Kind: task.StepInteract, Name: "Open form", Locator: "#old-btn"},
		{Seq: 2, Kind: task.StepInteract, Name: "Wait for load", WaitSeconds: 2},
	}
	corrected := []task.PlanStep{
		{Seq: 1, Kind: task.StepInteract, Name: "Open form", Locator: "#new-btn"},
		{Seq: 2, Kind: task.StepInteract, Name: "Wait for load", WaitSeconds: 8},
		{Seq: 3, Kind: task.StepVerify, Name: "Confirm saved"},
	}

	s.IngestCorrection("crm.test", generated, corrected)

	cs, ok := s.Corrections("crm.test")
	require.True(t, ok)
	assert.Equal(t, 1, cs.SelectorCorrections)
	assert.Equal(t, 1, cs.TimeoutAdjustments)
	assert.Equal(t, 8.0, cs.AvgTimeoutSeconds)
	require.Len(t, cs.StepDiffs, 1)
	assert.Contains(t, cs.StepDiffs[0], "added:")

	// A second timeout correction moves the running average.
	s.IngestCorrection("crm.test", generated[:2], []task.PlanStep{
		{Seq: 1, Kind: task.StepInteract, Name: "Open form", Locator: "#old-btn"},
		{Seq: 2, Kind: task.StepInteract, Name: "Wait for load", WaitSeconds: 4},
	})
	cs, _ = s.Corrections("crm.test")
	assert.Equal(t, 2, cs.TimeoutAdjustments)
	assert.Equal(t, 6.0, cs.AvgTimeoutSeconds)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "knowledge.db")

	s, err := Open(dbPath)
	require.NoError(t, err)

	h := s.StartRun("create a deal", "crm.test")
	s.RecordAction(h, executed(task.ActionType, "amount", true))
	s.RecordAction(h, executed(task.ActionClick, "Save", true))
	s.CompleteRun(h, task.VerificationResult{Status: task.StatusSuccess})
	require.NoError(t, s.Close())

	reopened, err := Open(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	g := reopened.GuidanceFor("create a deal", "https://crm.test/deals", nil)
	assert.NotEmpty(t, g.KnownGoodActions)
	assert.Equal(t, int64(1), reopened.GlobalCounters().Runs)
}

func TestConcurrentRunsDisjointDomains(t *testing.T) {
	s := openTestStore(t)

	domains := []string{"a.test", "b.test", "c.test", "d.test"}
	var wg sync.WaitGroup
	for _, domain := range domains {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				h := s.StartRun("create a thing", domain)
				s.RecordAction(h, executed(task.ActionClick, "Save", true))
				s.CompleteRun(h, task.VerificationResult{Status: task.StatusSuccess})
			}
		}(domain)
	}
	wg.Wait()

	assert.Equal(t, int64(20), s.GlobalCounters().Runs)
}
