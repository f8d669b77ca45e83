package handoff

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/kern/internal/criteria"
	"github.com/aristath/kern/internal/evaluation"
	"github.com/aristath/kern/internal/validation"
)

func openDoc(t *testing.T) *Document {
	t.Helper()
	doc, err := Open(filepath.Join(t.TempDir(), "handoff"), 4)
	require.NoError(t, err)
	doc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return doc
}

func TestDocument_InitWritesHeaderOnce(t *testing.T) {
	doc := openDoc(t)

	require.NoError(t, doc.Init(4, "be careful", "/repo"))
	require.NoError(t, doc.AppendBlock("## Research\nfound it", true))
	require.NoError(t, doc.Init(4, "other hint", "/elsewhere"))

	got, err := doc.Contents()
	require.NoError(t, err)
	assert.Equal(t, "# Task Handoff\nTask ID: 4\nHint: be careful\nCreated: 2026-01-02T03:04:05Z\nRun Directory: /repo\n"+
		"\n## Research\nfound it\n", got)
	assert.Equal(t, "task-4.md", filepath.Base(doc.Path()))
}

func TestDocument_AppendBlock(t *testing.T) {
	doc := openDoc(t)
	require.NoError(t, doc.Init(4, "", "/repo"))

	assert.ErrorIs(t, doc.AppendBlock("  \n", true), ErrMissingBlock)
	assert.NoError(t, doc.AppendBlock("", false))

	require.NoError(t, doc.AppendBlock("  padded  \n", true))
	got, err := doc.Contents()
	require.NoError(t, err)
	assert.Contains(t, got, "\npadded\n")
}

func TestDocument_AppendValidationAndEvaluation(t *testing.T) {
	doc := openDoc(t)
	require.NoError(t, doc.Init(4, "", "/repo"))

	result := validation.Result{Passed: false, Checks: []validation.Check{
		{Criterion: "file_exists: a.go", Kind: criteria.FileExists, Passed: true, Details: "path=/repo/a.go"},
		{Criterion: "command_succeeds: make", Kind: criteria.CommandSucceeds, Passed: false, Details: "exit=2"},
	}}
	require.NoError(t, doc.AppendValidation(result, 1))
	require.NoError(t, doc.AppendEvaluation(evaluation.Iteration{
		Attempt:          1,
		Score:            55,
		CriticalFailures: []string{"command_succeeds: make"},
		Advisories:       []string{"scope drift: changed outside plan: x"},
	}))
	require.NoError(t, doc.AppendFixContext(result))

	got, err := doc.Contents()
	require.NoError(t, err)
	assert.Contains(t, got, "\n## Validation\n- Attempt: 1\n- Status: FAILED\n"+
		"- PASS: file_exists: a.go :: path=/repo/a.go\n"+
		"- FAIL: command_succeeds: make :: exit=2\n")
	assert.Contains(t, got, "\n## Evaluation\n- Attempt: 1\n- Score: 55\n- Soft gate: FAILED\n"+
		"- Critical failures:\n  - command_succeeds: make\n"+
		"- Advisories:\n  - scope drift: changed outside plan: x\n")
	assert.Contains(t, got, "\n## Fix Context\n"+
		"- Previous validation failed. Apply minimal changes and re-run validation.\n"+
		"- Failed criterion: command_succeeds: make\n- Details: exit=2\n")
}

func TestDocument_EvaluationOmitsEmptyLists(t *testing.T) {
	doc := openDoc(t)
	require.NoError(t, doc.Init(4, "", "/repo"))

	require.NoError(t, doc.AppendEvaluation(evaluation.Iteration{Attempt: 2, Score: 100, PassedSoftGate: true}))

	got, err := doc.Contents()
	require.NoError(t, err)
	assert.Contains(t, got, "- Soft gate: PASSED\n")
	assert.NotContains(t, got, "Critical failures")
	assert.NotContains(t, got, "Advisories")
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	_, err := Open(dir, 1)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
