package knowledge

import (
	"sort"
	"time"

	"github.com/webpilot/webpilot/internal/task"
	"github.com/webpilot/webpilot/internal/verify"
)

// RunHandle accumulates one run's observations until CompleteRun folds
// them into the store. A handle is owned by a single engine instance and
// never shared, so it needs no locking of its own.
type RunHandle struct {
	store    *Store
	domain   string
	category verify.Category

	actions    []task.ActionRecord
	recoveries []Recovery
	startedAt  time.Time
}

// StartRun opens a learning handle for one run.
func (s *Store) StartRun(taskText, domain string) *RunHandle {
	return &RunHandle{
		store:     s,
		domain:    domain,
		category:  verify.Classify(taskText),
		startedAt: time.Now(),
	}
}

// RecordAction notes one executed action. Safe to call on a nil handle so
// the engine can run with learning disabled.
func (s *Store) RecordAction(h *RunHandle, rec task.ActionRecord) {
	if h == nil {
		return
	}
	h.actions = append(h.actions, rec)
}

// RecordRecovery notes that recoveryKind was attempted after failedKind.
// Only successful recoveries are learned from.
func (s *Store) RecordRecovery(h *RunHandle, failedKind, recoveryKind task.ActionKind, succeeded bool) {
	if h == nil || !succeeded {
		return
	}
	h.recoveries = append(h.recoveries, Recovery{
		FailedKind:   string(failedKind),
		RecoveryKind: string(recoveryKind),
		Successes:    1,
	})
}

// CompleteRun runs the learning step for a finished run and flushes the
// store. All mutation happens under the writer lock.
func (s *Store) CompleteRun(h *RunHandle, verdict task.VerificationResult) {
	if h == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := bucketKey(h.domain, h.category)
	s.counters.Runs++

	switch verdict.Status {
	case task.StatusSuccess:
		s.counters.Successes++
		s.learnSuccessLocked(bucket, h.actions)
	case task.StatusFailure:
		s.counters.Failures++
		s.learnFailureLocked(bucket, h.actions)
	}

	for _, rec := range h.recoveries {
		if s.recoveries[h.domain] == nil {
			s.recoveries[h.domain] = make(map[string]*Recovery)
		}
		key := pairKey(rec.FailedKind, rec.RecoveryKind)
		if existing, ok := s.recoveries[h.domain][key]; ok {
			existing.Successes++
		} else {
			s.recoveries[h.domain][key] = &Recovery{
				FailedKind:   rec.FailedKind,
				RecoveryKind: rec.RecoveryKind,
				Successes:    1,
			}
		}
	}

	s.updateQuirksLocked(h.domain, h.actions)
	s.flushLocked(h.domain, bucket)
}

// learnSuccessLocked appends the run's action-kind sequence to the
// bucket's rolling window and recomputes the key actions: kinds present
// in more than half of the recent successful sequences.
func (s *Store) learnSuccessLocked(bucket string, actions []task.ActionRecord) {
	seq := make([]string, 0, len(actions))
	for _, rec := range actions {
		if rec.Executed {
			seq = append(seq, string(rec.Kind))
		}
	}
	if len(seq) == 0 {
		return
	}

	p := s.patterns[bucket]
	if p == nil {
		p = &Pattern{}
		s.patterns[bucket] = p
	}
	p.Successes++
	p.Sequences = append(p.Sequences, seq)
	if len(p.Sequences) > maxSequences {
		p.Sequences = p.Sequences[len(p.Sequences)-maxSequences:]
	}

	appearances := make(map[string]int)
	for _, sequence := range p.Sequences {
		seen := make(map[string]bool)
		for _, kind := range sequence {
			if !seen[kind] {
				seen[kind] = true
				appearances[kind]++
			}
		}
	}
	p.KeyActions = p.KeyActions[:0]
	for kind, n := range appearances {
		if float64(n) > float64(len(p.Sequences))/2 {
			p.KeyActions = append(p.KeyActions, kind)
		}
	}
	sort.Strings(p.KeyActions)
}

// learnFailureLocked bumps the frequency counter of every signature that
// ran without effect, keeping only the top entries per bucket.
func (s *Store) learnFailureLocked(bucket string, actions []task.ActionRecord) {
	sigs := s.failures[bucket]
	if sigs == nil {
		sigs = make(map[string]int)
		s.failures[bucket] = sigs
	}
	for _, rec := range actions {
		if rec.Ineffective() || !rec.Executed {
			sigs[rec.Signature()]++
		}
	}

	if len(sigs) <= maxFailureSignatures {
		return
	}
	type entry struct {
		sig   string
		count int
	}
	entries := make([]entry, 0, len(sigs))
	for sig, count := range sigs {
		entries = append(entries, entry{sig, count})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].count > entries[j].count })
	for _, e := range entries[maxFailureSignatures:] {
		delete(sigs, e.sig)
		// Dropped rows stay in sqlite until the signature trends again;
		// the read path only consults the in-memory top set.
	}
}

// updateQuirksLocked derives domain quirks from the run's shape:
// waits that preceded a page change mean the domain needs long waits,
// a click that failed and later succeeded on the same target suggests a
// transient overlay, and URL-changing action latency feeds a running
// navigation delay average.
func (s *Store) updateQuirksLocked(domain string, actions []task.ActionRecord) {
	if len(actions) == 0 {
		return
	}
	q := s.quirks[domain]
	if q == nil {
		q = &Quirks{}
		s.quirks[domain] = q
	}

	usefulWaits := 0
	for i, rec := range actions {
		if rec.Kind == task.ActionWait && i+1 < len(actions) && actions[i+1].StateChanged {
			usefulWaits++
		}
	}
	if usefulWaits >= 2 {
		q.NeedsLongWaits = true
	}

	blocked := make(map[string]bool)
	for _, rec := range actions {
		if rec.Kind != task.ActionClick {
			continue
		}
		if rec.Ineffective() {
			blocked[rec.Target] = true
		} else if blocked[rec.Target] {
			q.HasOverlays = true
		}
	}

	var navTotal time.Duration
	navCount := 0
	for i := 1; i < len(actions); i++ {
		prev, cur := actions[i-1], actions[i]
		if prev.After.URL != prev.Before.URL && !prev.Timestamp.IsZero() && !cur.Timestamp.IsZero() {
			navTotal += cur.Timestamp.Sub(prev.Timestamp)
			navCount++
		}
	}
	if navCount > 0 {
		observed := navTotal.Milliseconds() / int64(navCount)
		if q.NavigationDelayMS == 0 {
			q.NavigationDelayMS = observed
		} else {
			q.NavigationDelayMS = (q.NavigationDelayMS + observed) / 2
		}
	}
}
