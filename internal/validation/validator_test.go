package validation

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/kern/internal/criteria"
)

type fakeDiff struct {
	names []string
	patch string
}

func (f fakeDiff) ChangedFileNames(context.Context, string) []string { return f.names }
func (f fakeDiff) DiffPatch(context.Context, string) string { return f.patch }

// setupRepo creates a repo root with a README and an empty handoff file.
func setupRepo(t *testing.T) (root, handoff string) {
	t.Helper()
	root = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# Project\n\nSome text.\n"), 0644))
	handoff = filepath.Join(root, "handoff.md")
	require.NoError(t, os.WriteFile(handoff, []byte("# Task Handoff\n"), 0644))
	return root, handoff
}

func TestValidate_MissingHandoffFile(t *testing.T) {
	root := t.TempDir()
	missing := filepath.Join(root, "nope.md")

	result := New(fakeDiff{}).Validate(context.Background(), 1, root, missing, nil)

	assert.False(t, result.Passed)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, KindHandoffExists, result.Checks[0].Kind)
	assert.Equal(t, missing+" not found", result.Checks[0].Details)
}

func TestValidate_NoCriteriaIsOptOut(t *testing.T) {
	root, handoff := setupRepo(t)

	for name, crit := range map[string][]criteria.Criterion{"nil": nil, "empty": {}} {
		t.Run(name, func(t *testing.T) {
			result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, crit)
			assert.True(t, result.Passed)
			require.Len(t, result.Checks, 1)
			assert.Equal(t, KindCriteriaPresent, result.Checks[0].Kind)
			assert.Equal(t, "No explicit criteria found; skipping gate", result.Checks[0].Details)
		})
	}
}

func TestValidate_FileExists(t *testing.T) {
	root, handoff := setupRepo(t)

	result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{
		{Kind: criteria.FileExists, Value: "`README.md`"},
		{Kind: criteria.FileExists, Value: "docs/missing.md"},
	})

	assert.False(t, result.Passed)
	require.Len(t, result.Checks, 2)
	assert.True(t, result.Checks[0].Passed)
	assert.Equal(t, "file_exists: `README.md`", result.Checks[0].Criterion)
	assert.Equal(t, "path="+filepath.Join(root, "README.md"), result.Checks[0].Details)
	assert.False(t, result.Checks[1].Passed)
	assert.Equal(t, "failed criteria: file_exists: docs/missing.md", result.Summary())
}

func TestValidate_FileContainsRegexMiss(t *testing.T) {
	root, handoff := setupRepo(t)

	result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{
		{Kind: criteria.FileContains, Value: "README.md::/^## Usage$/"},
	})

	assert.False(t, result.Passed)
	require.Len(t, result.Checks, 1)
	check := result.Checks[0]
	assert.False(t, check.Passed)
	assert.Equal(t, "path="+filepath.Join(root, "README.md")+" pattern=/^## Usage$/ mode=regex", check.Details)
}

func TestValidate_FileContainsVariants(t *testing.T) {
	root, handoff := setupRepo(t)

	tests := []struct {
		name   string
		kind   criteria.Kind
		value  string
		passed bool
		mode   string
	}{
		{"literal hit", criteria.FileContains, "README.md::Some text", true, "literal"},
		{"single colon split", criteria.FileContains, "README.md: # Project", true, "literal"},
		{"multiline regex hit", criteria.FileContains, "README.md::/^Some/", true, "regex"},
		{"ticks stripped", criteria.FileContains, "`README.md`::`Project`", true, "literal"},
		{"not contains inverts", criteria.FileNotContains, "README.md::TODO", true, "literal"},
		{"not contains finds", criteria.FileNotContains, "README.md::Project", false, "literal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{{Kind: tt.kind, Value: tt.value}})
			require.Len(t, result.Checks, 1)
			assert.Equal(t, tt.passed, result.Checks[0].Passed, result.Checks[0].Details)
			assert.Contains(t, result.Checks[0].Details, "mode="+tt.mode)
		})
	}
}

func TestValidate_FileContainsMissingFile(t *testing.T) {
	root, handoff := setupRepo(t)

	for _, kind := range []criteria.Kind{criteria.FileContains, criteria.FileNotContains} {
		result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{{Kind: kind, Value: "nope.txt::x"}})
		require.Len(t, result.Checks, 1)
		assert.False(t, result.Checks[0].Passed)
		assert.Equal(t, "path not found: "+filepath.Join(root, "nope.txt"), result.Checks[0].Details)
	}
}

func TestValidate_InvalidRegexFailsCheck(t *testing.T) {
	root, handoff := setupRepo(t)

	result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{
		{Kind: criteria.FileContains, Value: "README.md::/([/"},
	})

	require.Len(t, result.Checks, 1)
	assert.False(t, result.Checks[0].Passed)
	assert.Contains(t, result.Checks[0].Details, "mode=regex")
}

func TestValidate_CommandSucceeds(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell syntax")
	}
	root, handoff := setupRepo(t)

	result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{
		{Kind: criteria.CommandSucceeds, Value: "`test -f README.md`"},
		{Kind: criteria.CommandSucceeds, Value: "echo boom >&2; exit 3"},
	})

	require.Len(t, result.Checks, 2)
	assert.True(t, result.Checks[0].Passed)
	assert.Equal(t, "exit=0", result.Checks[0].Details)
	assert.False(t, result.Checks[1].Passed)
	assert.Equal(t, "exit=3 stderr=boom", result.Checks[1].Details)
}

func TestValidate_CommandStderrTruncated(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell syntax")
	}
	root, handoff := setupRepo(t)

	result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{
		{Kind: criteria.CommandSucceeds, Value: "head -c 500 /dev/zero | tr '\\0' x >&2"},
	})

	require.Len(t, result.Checks, 1)
	assert.True(t, result.Checks[0].Passed, "stderr is recorded even on success")
	assert.Len(t, result.Checks[0].Details, len("exit=0 stderr=")+200)
}

func TestValidate_GitDiffIncludes(t *testing.T) {
	root, handoff := setupRepo(t)

	t.Run("no match", func(t *testing.T) {
		result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{
			{Kind: criteria.GitDiffIncludes, Value: "README.md"},
		})
		require.Len(t, result.Checks, 1)
		assert.False(t, result.Checks[0].Passed)
		assert.Equal(t, "matched=false by_name=false by_patch=false files=none", result.Checks[0].Details)
	})

	t.Run("by name", func(t *testing.T) {
		diff := fakeDiff{names: []string{"docs/README.md", "main.go"}}
		result := New(diff).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{
			{Kind: criteria.GitDiffIncludes, Value: "README.md"},
		})
		assert.True(t, result.Passed)
		assert.Equal(t, "matched=true by_name=true by_patch=false files=docs/README.md,main.go", result.Checks[0].Details)
	})

	t.Run("by patch", func(t *testing.T) {
		diff := fakeDiff{names: []string{"main.go"}, patch: "+func NewServer() *Server {"}
		result := New(diff).Validate(context.Background(), 1, root, handoff, []criteria.Criterion{
			{Kind: criteria.GitDiffIncludes, Value: "NewServer"},
		})
		assert.True(t, result.Passed)
		assert.Equal(t, "matched=true by_name=false by_patch=true files=main.go", result.Checks[0].Details)
	})
}

func TestValidate_FallsBackToHandoffPlan(t *testing.T) {
	root, handoff := setupRepo(t)
	doc := `# Task Handoff

## Research
- Success criteria:
- file_exists: not-from-research.md

## Plan
- Steps: edit README
- Success criteria:
- file_exists: README.md
- file_contains: README.md::Project
- file_exists: README.md
- not a criterion
- Next: implement
- file_exists: after-next.md

## Notes
- file_exists: nope.md
`
	require.NoError(t, os.WriteFile(handoff, []byte(doc), 0644))

	result := New(fakeDiff{}).Validate(context.Background(), 1, root, handoff, nil)

	assert.True(t, result.Passed)
	require.Len(t, result.Checks, 2)
	assert.Equal(t, "file_exists: README.md", result.Checks[0].Criterion)
	assert.Equal(t, "file_contains: README.md::Project", result.Checks[1].Criterion)
}

func TestExtractFromHandoff_StopsAtHeading(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "h.md")
	doc := "## Plan\n- SUCCESS CRITERIA:\n- command_succeeds: go test ./...\n## Implementation\n- file_exists: x\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	got, err := ExtractFromHandoff(path)

	require.NoError(t, err)
	assert.Equal(t, []criteria.Criterion{{Kind: criteria.CommandSucceeds, Value: "go test ./..."}}, got)
}

func TestSplitFilePattern(t *testing.T) {
	file, pattern := SplitFilePattern("a.go::x::y")
	assert.Equal(t, "a.go", file)
	assert.Equal(t, "x::y", pattern)

	file, pattern = SplitFilePattern("a.go : needle")
	assert.Equal(t, "a.go", file)
	assert.Equal(t, "needle", pattern)

	file, pattern = SplitFilePattern("a.go")
	assert.Equal(t, "a.go", file)
	assert.Empty(t, pattern)
}
