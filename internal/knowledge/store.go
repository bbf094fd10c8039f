// Package knowledge accumulates cross-run learning: successful action
// sequences, failing-action signatures, recovery pairs, per-domain quirks
// and user corrections. The store is shared by concurrent runs; all
// mutation happens under a single writer lock and persistence is
// best-effort, so learning can never break a run.
package knowledge

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/webpilot/webpilot/internal/verify"
)

const (
	// maxSequences is the rolling window of successful action sequences
	// kept per (domain, category) bucket.
	maxSequences = 10
	// maxFailureSignatures bounds the failing-action table per bucket.
	maxFailureSignatures = 20
)

// Pattern holds what worked for one (domain, category) bucket.
type Pattern struct {
	Sequences  [][]string `json:"sequences"`
	KeyActions []string   `json:"key_actions"`
	Successes  int        `json:"successes"`
}

// Recovery counts how often one action kind rescued a failed one.
type Recovery struct {
	FailedKind   string `json:"failed_kind"`
	RecoveryKind string `json:"recovery_kind"`
	Successes    int    `json:"successes"`
}

// Quirks are per-domain behavioral oddities worth telling the oracle about.
type Quirks struct {
	NeedsLongWaits    bool  `json:"needs_long_waits" yaml:"needs_long_waits"`
	HasOverlays       bool  `json:"has_overlays" yaml:"has_overlays"`
	NavigationDelayMS int64 `json:"navigation_delay_ms" yaml:"navigation_delay_ms"`
}

// CorrectionStats aggregates user-supplied plan corrections for a domain.
type CorrectionStats struct {
	SelectorCorrections int      `json:"selector_corrections"`
	TimeoutAdjustments  int      `json:"timeout_adjustments"`
	AvgTimeoutSeconds   float64  `json:"avg_timeout_seconds"`
	StepDiffs           []string `json:"step_diffs"`
}

// Counters are the store's global tallies.
type Counters struct {
	Runs      int64 `json:"runs"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Store is the process-wide knowledge repository. Reads may run
// concurrently; writes are serialized through mu.
type Store struct {
	mu sync.RWMutex
	db *sql.DB

	patterns    map[string]*Pattern             // bucket key -> pattern
	failures    map[string]map[string]int       // bucket key -> signature -> count
	recoveries  map[string]map[string]*Recovery // domain -> pair key -> recovery
	quirks      map[string]*Quirks              // domain -> quirks
	corrections map[string]*CorrectionStats     // domain -> stats
	counters    Counters
}

func bucketKey(domain string, category verify.Category) string {
	return domain + "|" + string(category)
}

func pairKey(failed, recovery string) string {
	return failed + "|" + recovery
}

// Open loads (or creates) the sqlite-backed store at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create knowledge directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS patterns (
			bucket TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS failures (
			bucket TEXT,
			signature TEXT,
			count INTEGER NOT NULL,
			PRIMARY KEY (bucket, signature)
		);`,
		`CREATE TABLE IF NOT EXISTS recoveries (
			domain TEXT,
			failed_kind TEXT,
			recovery_kind TEXT,
			successes INTEGER NOT NULL,
			PRIMARY KEY (domain, failed_kind, recovery_kind)
		);`,
		`CREATE TABLE IF NOT EXISTS quirks (
			domain TEXT PRIMARY KEY,
			needs_long_waits INTEGER NOT NULL DEFAULT 0,
			has_overlays INTEGER NOT NULL DEFAULT 0,
			navigation_delay_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS corrections (
			domain TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("init knowledge schema: %w", err)
		}
	}

	s := &Store{
		db:          db,
		patterns:    make(map[string]*Pattern),
		failures:    make(map[string]map[string]int),
		recoveries:  make(map[string]map[string]*Recovery),
		quirks:      make(map[string]*Quirks),
		corrections: make(map[string]*CorrectionStats),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, data FROM patterns`)
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bucket, data string
		if err := rows.Scan(&bucket, &data); err != nil {
			return err
		}
		var p Pattern
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			log.Printf("Warning: skipping corrupt pattern row for %s: %v", bucket, err)
			continue
		}
		s.patterns[bucket] = &p
	}

	fRows, err := s.db.Query(`SELECT bucket, signature, count FROM failures`)
	if err != nil {
		return fmt.Errorf("load failures: %w", err)
	}
	defer fRows.Close()
	for fRows.Next() {
		var bucket, sig string
		var count int
		if err := fRows.Scan(&bucket, &sig, &count); err != nil {
			return err
		}
		if s.failures[bucket] == nil {
			s.failures[bucket] = make(map[string]int)
		}
		s.failures[bucket][sig] = count
	}

	rRows, err := s.db.Query(`SELECT domain, failed_kind, recovery_kind, successes FROM recoveries`)
	if err != nil {
		return fmt.Errorf("load recoveries: %w", err)
	}
	defer rRows.Close()
	for rRows.Next() {
		var domain, failed, recovery string
		var successes int
		if err := rRows.Scan(&domain, &failed, &recovery, &successes); err != nil {
			return err
		}
		if s.recoveries[domain] == nil {
			s.recoveries[domain] = make(map[string]*Recovery)
		}
		s.recoveries[domain][pairKey(failed, recovery)] = &Recovery{
			FailedKind:   failed,
			RecoveryKind: recovery,
			Successes:    successes,
		}
	}

	qRows, err := s.db.Query(`SELECT domain, needs_long_waits, has_overlays, navigation_delay_ms FROM quirks`)
	if err != nil {
		return fmt.Errorf("load quirks: %w", err)
	}
	defer qRows.Close()
	for qRows.Next() {
		var domain string
		var longWaits, overlays int
		var delayMS int64
		if err := qRows.Scan(&domain, &longWaits, &overlays, &delayMS); err != nil {
			return err
		}
		s.quirks[domain] = &Quirks{
			NeedsLongWaits:    longWaits != 0,
			HasOverlays:       overlays != 0,
			NavigationDelayMS: delayMS,
		}
	}

	cRows, err := s.db.Query(`SELECT domain, data FROM corrections`)
	if err != nil {
		return fmt.Errorf("load corrections: %w", err)
	}
	defer cRows.Close()
	for cRows.Next() {
		var domain, data string
		if err := cRows.Scan(&domain, &data); err != nil {
			return err
		}
		var cs CorrectionStats
		if err := json.Unmarshal([]byte(data), &cs); err != nil {
			log.Printf("Warning: skipping corrupt corrections row for %s: %v", domain, err)
			continue
		}
		s.corrections[domain] = &cs
	}

	counterRows, err := s.db.Query(`SELECT name, value FROM counters`)
	if err != nil {
		return fmt.Errorf("load counters: %w", err)
	}
	defer counterRows.Close()
	for counterRows.Next() {
		var name string
		var value int64
		if err := counterRows.Scan(&name, &value); err != nil {
			return err
		}
		switch name {
		case "runs":
			s.counters.Runs = value
		case "successes":
			s.counters.Successes = value
		case "failures":
			s.counters.Failures = value
		}
	}

	return nil
}

// flushLocked persists the in-memory state touched by the latest update.
// Persistence errors are logged and swallowed: learning is best-effort.
// Caller must hold mu.
func (s *Store) flushLocked(domain string, bucket string) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("Warning: knowledge flush failed to begin: %v", err)
		return
	}
	defer tx.Rollback()

	if p, ok := s.patterns[bucket]; ok {
		data, err := json.Marshal(p)
		if err == nil {
			_, err = tx.Exec(`INSERT INTO patterns (bucket, data) VALUES (?, ?)
				ON CONFLICT(bucket) DO UPDATE SET data = excluded.data`, bucket, string(data))
		}
		if err != nil {
			log.Printf("Warning: knowledge flush (patterns) failed: %v", err)
			return
		}
	}

	for sig, count := range s.failures[bucket] {
		if _, err := tx.Exec(`INSERT INTO failures (bucket, signature, count) VALUES (?, ?, ?)
			ON CONFLICT(bucket, signature) DO UPDATE SET count = excluded.count`, bucket, sig, count); err != nil {
			log.Printf("Warning: knowledge flush (failures) failed: %v", err)
			return
		}
	}

	for _, rec := range s.recoveries[domain] {
		if _, err := tx.Exec(`INSERT INTO recoveries (domain, failed_kind, recovery_kind, successes) VALUES (?, ?, ?, ?)
			ON CONFLICT(domain, failed_kind, recovery_kind) DO UPDATE SET successes = excluded.successes`,
			domain, rec.FailedKind, rec.RecoveryKind, rec.Successes); err != nil {
			log.Printf("Warning: knowledge flush (recoveries) failed: %v", err)
			return
		}
	}

	if q, ok := s.quirks[domain]; ok {
		if _, err := tx.Exec(`INSERT INTO quirks (domain, needs_long_waits, has_overlays, navigation_delay_ms) VALUES (?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
				needs_long_waits = excluded.needs_long_waits,
				has_overlays = excluded.has_overlays,
				navigation_delay_ms = excluded.navigation_delay_ms`,
			domain, boolInt(q.NeedsLongWaits), boolInt(q.HasOverlays), q.NavigationDelayMS); err != nil {
			log.Printf("Warning: knowledge flush (quirks) failed: %v", err)
			return
		}
	}

	if cs, ok := s.corrections[domain]; ok {
		data, err := json.Marshal(cs)
		if err == nil {
			_, err = tx.Exec(`INSERT INTO corrections (domain, data) VALUES (?, ?)
				ON CONFLICT(domain) DO UPDATE SET data = excluded.data`, domain, string(data))
		}
		if err != nil {
			log.Printf("Warning: knowledge flush (corrections) failed: %v", err)
			return
		}
	}

	counterValues := map[string]int64{
		"runs":      s.counters.Runs,
		"successes": s.counters.Successes,
		"failures":  s.counters.Failures,
	}
	for name, value := range counterValues {
		if _, err := tx.Exec(`INSERT INTO counters (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value); err != nil {
			log.Printf("Warning: knowledge flush (counters) failed: %v", err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("Warning: knowledge flush commit failed: %v", err)
	}
}

// GlobalCounters returns a copy of the store-wide tallies.
func (s *Store) GlobalCounters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
