// Package verify grades a finished run as success, partial or failure.
// The verdict is computed from recorded evidence only, so verifying the
// same history twice always yields the same result, and every verdict
// carries the ordered reasons that produced it.
package verify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/webpilot/webpilot/internal/task"
)

// Category is the coarse task class derived from the task text. It
// decides which action kinds the verifier expects to have happened.
type Category string

const (
	CategoryCreation     Category = "creation"
	CategoryModification Category = "modification"
	CategoryDeletion     Category = "deletion"
	CategorySearch       Category = "search"
	CategoryRead         Category = "read"
	CategoryInteraction  Category = "interaction"
)

var categoryVerbs = []struct {
	category Category
	verbs    []string
}{
	{CategoryCreation, []string{"create", "add", "new", "register", "sign up", "compose", "post", "schedule"}},
	{CategoryModification, []string{"edit", "update", "change", "rename", "modify", "set ", "configure", "assign"}},
	{CategoryDeletion, []string{"delete", "remove", "archive", "cancel ", "unsubscribe"}},
	{CategorySearch, []string{"search", "find", "look up", "filter", "locate"}},
	{CategoryRead, []string{"read", "check", "view", "open", "show", "list"}},
}

// Classify buckets a task description by its verb keywords. The first
// matching category wins; anything unmatched is generic interaction.
func Classify(taskText string) Category {
	text := strings.ToLower(taskText)
	for _, entry := range categoryVerbs {
		for _, verb := range entry.verbs {
			if strings.Contains(text, verb) {
				return entry.category
			}
		}
	}
	return CategoryInteraction
}

// ExpectedKinds returns the action kinds a task of this category should
// have performed for the run to count as doing the work.
func ExpectedKinds(c Category) []task.ActionKind {
	switch c {
	case CategoryCreation, CategoryModification:
		return []task.ActionKind{task.ActionType, task.ActionClick}
	case CategoryDeletion:
		return []task.ActionKind{task.ActionClick}
	case CategorySearch:
		return []task.ActionKind{task.ActionType}
	case CategoryRead:
		return []task.ActionKind{task.ActionClick}
	default:
		return []task.ActionKind{task.ActionClick}
	}
}

// Rubric holds the evidence weights. The defaults are a starting
// configuration, not a guaranteed-correct constant; callers may tune
// them through config.
type Rubric struct {
	NavigationMax float64 `json:"navigation_max"`
	ExpectedMax   float64 `json:"expected_max"`
	PositiveMax   float64 `json:"positive_max"`
	NegativeMax   float64 `json:"negative_max"`

	// PositivePoints and NegativePoints are awarded per indicator,
	// capped at (and for negatives allowed below) the section maximums.
	PositivePoints float64 `json:"positive_points"`
	NegativePoints float64 `json:"negative_points"`
}

func DefaultRubric() Rubric {
	return Rubric{
		NavigationMax:  20,
		ExpectedMax:    30,
		PositiveMax:    25,
		NegativeMax:    25,
		PositivePoints: 8,
		NegativePoints: 12.5,
	}
}

func (r Rubric) max() float64 {
	return r.NavigationMax + r.ExpectedMax + r.PositiveMax + r.NegativeMax
}

var positiveTokens = []string{
	"success", "confirm", "complete", "thank", "created", "saved",
	"detail", "view", "result", "dashboard", "welcome", "submitted",
}

var negativeTokens = []string{
	"error", "404", "not-found", "notfound", "denied", "forbidden",
	"invalid", "unauthorized", "failed", "login", "signin", "sign-in",
}

// detailSegment matches a numeric trailing path segment, the usual shape
// of a record/detail view after a successful create or open.
var detailSegment = regexp.MustCompile(`/\d+/?$`)

// Verifier grades run histories against its rubric.
type Verifier struct {
	Rubric Rubric
}

func New() *Verifier {
	return &Verifier{Rubric: DefaultRubric()}
}

func NewWithRubric(r Rubric) *Verifier {
	if r.max() == 0 {
		r = DefaultRubric()
	}
	return &Verifier{Rubric: r}
}

// Verify produces the graded verdict for a completed run.
func (v *Verifier) Verify(taskText string, history []task.ActionRecord, initialURL, finalURL string, elapsed time.Duration) task.VerificationResult {
	category := Classify(taskText)
	expected := ExpectedKinds(category)

	urls := distinctURLs(history, initialURL, finalURL)
	kindCounts := countKinds(history)
	urlChanged := finalURL != "" && finalURL != initialURL
	doneReported := kindCounts[task.ActionDone] > 0

	var reasons []string
	reasons = append(reasons, fmt.Sprintf("task classified as %s; expected actions: %s", category, joinKinds(expected)))

	// Navigation progress.
	navScore := float64(len(urls)-1) * (v.Rubric.NavigationMax / 2)
	if navScore > v.Rubric.NavigationMax {
		navScore = v.Rubric.NavigationMax
	}
	if navScore < 0 {
		navScore = 0
	}
	reasons = append(reasons, fmt.Sprintf("visited %d distinct URLs (+%.0f)", len(urls), navScore))

	// Expected action kinds.
	present := 0
	for _, kind := range expected {
		if kindCounts[kind] > 0 {
			present++
		} else {
			reasons = append(reasons, fmt.Sprintf("expected action %q never performed", kind))
		}
	}
	expectedScore := 0.0
	if len(expected) > 0 {
		expectedScore = v.Rubric.ExpectedMax * float64(present) / float64(len(expected))
	}
	reasons = append(reasons, fmt.Sprintf("%d of %d expected action kinds performed (+%.0f)", present, len(expected), expectedScore))

	// Positive indicators.
	positives := positiveIndicators(taskText, urls, finalURL)
	posScore := float64(len(positives)) * v.Rubric.PositivePoints
	if posScore > v.Rubric.PositiveMax {
		posScore = v.Rubric.PositiveMax
	}
	for _, p := range positives {
		reasons = append(reasons, "positive indicator: "+p)
	}

	// Negative indicators.
	negatives := negativeIndicators(history, urls)
	negScore := v.Rubric.NegativeMax - float64(len(negatives))*v.Rubric.NegativePoints
	for _, n := range negatives {
		reasons = append(reasons, "negative indicator: "+n)
	}

	score := navScore + expectedScore + posScore + negScore
	percent := clampPercent(100 * score / v.Rubric.max())

	status := classify(urlChanged, present, len(expected), len(positives), len(negatives), doneReported)
	switch status {
	case task.StatusSuccess:
		if doneReported {
			reasons = append(reasons, "oracle reported task complete")
		}
		reasons = append(reasons, "verdict: success")
	case task.StatusPartial:
		reasons = append(reasons, "verdict: partial completion")
	default:
		reasons = append(reasons, "verdict: failure")
	}

	confidence := percent / 100
	if doneReported && confidence < 0.9 {
		confidence = 0.9
	}

	return task.VerificationResult{
		Status:            status,
		Confidence:        confidence,
		CompletionPercent: percent,
		Reasons:           reasons,
		Evidence: map[string]any{
			"category":            string(category),
			"distinct_urls":       len(urls),
			"action_counts":       kindCountEvidence(kindCounts),
			"positive_indicators": positives,
			"negative_indicators": negatives,
			"elapsed_seconds":     elapsed.Seconds(),
			"score":               score,
		},
	}
}

// VerifyStep is the lightweight per-step check used to short-circuit a
// plan: the full graded verdict still runs at the end of the run.
func (v *Verifier) VerifyStep(taskText string, history []task.ActionRecord, initialURL, currentURL string) bool {
	if currentURL == "" || currentURL == initialURL {
		return false
	}
	kindCounts := countKinds(history)
	if kindCounts[task.ActionDone] > 0 {
		return true
	}
	for _, kind := range ExpectedKinds(Classify(taskText)) {
		if kindCounts[kind] == 0 {
			return false
		}
	}
	return len(positiveIndicators(taskText, []string{currentURL}, currentURL)) > 0
}

func classify(urlChanged bool, present, expected, positives, negatives int, doneReported bool) task.Status {
	if doneReported {
		return task.StatusSuccess
	}
	if urlChanged && present == expected && positives >= 1 && negatives <= 1 {
		return task.StatusSuccess
	}
	if urlChanged && present >= 1 {
		return task.StatusPartial
	}
	return task.StatusFailure
}

func distinctURLs(history []task.ActionRecord, initialURL, finalURL string) []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	add(initialURL)
	for _, rec := range history {
		add(rec.Before.URL)
		add(rec.After.URL)
	}
	add(finalURL)
	return urls
}

func countKinds(history []task.ActionRecord) map[task.ActionKind]int {
	counts := make(map[task.ActionKind]int)
	for _, rec := range history {
		if rec.Executed || rec.Kind == task.ActionDone {
			counts[rec.Kind]++
		}
	}
	return counts
}

func positiveIndicators(taskText string, urls []string, finalURL string) []string {
	var out []string
	lowerFinal := strings.ToLower(finalURL)
	for _, token := range positiveTokens {
		for _, u := range urls {
			if strings.Contains(strings.ToLower(u), token) {
				out = append(out, fmt.Sprintf("URL contains %q", token))
				break
			}
		}
	}
	if detailSegment.MatchString(finalURL) {
		out = append(out, "final URL points at a record detail view")
	}
	for _, entity := range ExtractEntities(taskText) {
		if strings.Contains(lowerFinal, strings.ToLower(entity)) ||
			strings.Contains(lowerFinal, slug(entity)) {
			out = append(out, fmt.Sprintf("task entity %q appears in final URL", entity))
		}
	}
	return out
}

func negativeIndicators(history []task.ActionRecord, urls []string) []string {
	var out []string
	for _, token := range negativeTokens {
		for _, u := range urls {
			if strings.Contains(strings.ToLower(u), token) {
				out = append(out, fmt.Sprintf("URL contains %q", token))
				break
			}
		}
	}
	if len(history) > 0 {
		anyChange := false
		for _, rec := range history {
			if rec.StateChanged {
				anyChange = true
				break
			}
		}
		if !anyChange {
			out = append(out, "no action produced any state change")
		}
	}
	return out
}

var quotedEntity = regexp.MustCompile(`["'\x60]([^"'\x60]{2,64})["'\x60]`)
var namedEntity = regexp.MustCompile(`(?i)(?:named|called|titled)\s+([A-Za-z0-9][\w-]*)`)

// ExtractEntities pulls quoted names and "named X" phrases out of the
// task text. They are matched against the final URL as success evidence.
func ExtractEntities(taskText string) []string {
	var out []string
	for _, m := range quotedEntity.FindAllStringSubmatch(taskText, -1) {
		out = append(out, m[1])
	}
	for _, m := range namedEntity.FindAllStringSubmatch(taskText, -1) {
		out = append(out, m[1])
	}
	return out
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), "-")
	return s
}

func joinKinds(kinds []task.ActionKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

func kindCountEvidence(counts map[task.ActionKind]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, n := range counts {
		out[string(k)] = n
	}
	return out
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
