package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/internal/task"
)

func TestRunStoreRoundTrip(t *testing.T) {
	s, err := NewRunStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer s.Close()

	run := task.NewRun("Create a new project named Alpha", "demo", "https://app.example.com")
	run.Status = task.StatusSuccess
	run.Verdict = &task.VerificationResult{
		Status:            task.StatusSuccess,
		CompletionPercent: 73,
		Confidence:        0.73,
	}
	run.CompletedAt = time.Now()

	require.NoError(t, s.SaveRun(run))

	recent, err := s.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, run.ID, recent[0].ID)
	assert.Equal(t, "success", recent[0].Status)
	assert.InDelta(t, 73, recent[0].CompletionPercent, 0.01)

	doc, err := s.GetDocument(run.ID)
	require.NoError(t, err)
	assert.Contains(t, doc, run.ID)
	assert.Contains(t, doc, "Create a new project named Alpha")
}

func TestRunStoreSaveIsIdempotent(t *testing.T) {
	s, err := NewRunStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer s.Close()

	run := task.NewRun("Submit the form", "demo", "https://app.example.com")
	run.Status = task.StatusFailure
	run.CompletedAt = time.Now()

	require.NoError(t, s.SaveRun(run))
	run.Status = task.StatusPartial
	require.NoError(t, s.SaveRun(run))

	recent, err := s.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "partial", recent[0].Status)
}
