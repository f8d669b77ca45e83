// Package validation checks a task's success criteria against the repository.
//
// Checks are text, file and exit-code level only. A criterion that cannot be
// evaluated (missing file, bad pattern) fails its own check; it never aborts
// the rest of the run.
package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/aristath/kern/internal/criteria"
)

// Pseudo-kinds used for the informational checks that are not criteria.
const (
	KindHandoffExists   criteria.Kind = "handoff_file_exists"
	KindCriteriaPresent criteria.Kind = "success_criteria_present"
)

const stderrLimit = 200

// DiffSource supplies the working-tree diff used by git_diff_includes.
type DiffSource interface {
	ChangedFileNames(ctx context.Context, dir string) []string
	DiffPatch(ctx context.Context, dir string) string
}

// Check is the outcome of a single criterion.
type Check struct {
	Criterion string
	Kind      criteria.Kind
	Passed    bool
	Details   string
}

// Result aggregates all checks of one validation pass.
type Result struct {
	Passed bool
	Checks []Check
}

// Failed returns the checks that did not pass, in order.
func (r Result) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Summary renders a one-line description of the result.
func (r Result) Summary() string {
	if r.Passed {
		return "validation passed"
	}
	failed := r.Failed()
	if len(failed) == 0 {
		return "validation failed"
	}
	labels := make([]string, 0, len(failed))
	for _, c := range failed {
		labels = append(labels, c.Criterion)
	}
	return "failed criteria: " + strings.Join(labels, ", ")
}

// Validator evaluates success criteria inside a repository checkout.
type Validator struct {
	diff DiffSource
}

// New creates a Validator reading diffs from diff.
func New(diff DiffSource) *Validator {
	return &Validator{diff: diff}
}

// Validate runs every criterion against repoRoot. When crit is nil the
// criteria are extracted from the handoff document's plan section; an empty
// set of criteria is an explicit opt-out and passes.
func (v *Validator) Validate(ctx context.Context, taskID int, repoRoot, handoffFile string, crit []criteria.Criterion) Result {
	if _, err := os.Stat(handoffFile); err != nil {
		return Result{
			Passed: false,
			Checks: []Check{{
				Criterion: string(KindHandoffExists),
				Kind:      KindHandoffExists,
				Passed:    false,
				Details:   fmt.Sprintf("%s not found", handoffFile),
			}},
		}
	}

	active := crit
	if active == nil {
		extracted, err := ExtractFromHandoff(handoffFile)
		if err == nil {
			active = extracted
		}
	}
	if len(active) == 0 {
		return Result{
			Passed: true,
			Checks: []Check{{
				Criterion: string(KindCriteriaPresent),
				Kind:      KindCriteriaPresent,
				Passed:    true,
				Details:   "No explicit criteria found; skipping gate",
			}},
		}
	}

	var diffNames []string
	var diffPatch string
	for _, c := range active {
		if c.Kind == criteria.GitDiffIncludes && v.diff != nil {
			diffNames = v.diff.ChangedFileNames(ctx, repoRoot)
			diffPatch = v.diff.DiffPatch(ctx, repoRoot)
			break
		}
	}

	checks := make([]Check, 0, len(active))
	for _, c := range active {
		check := Check{Criterion: c.Label(), Kind: c.Kind}
		switch c.Kind {
		case criteria.FileExists:
			path := resolve(repoRoot, stripTicks(c.Value))
			_, err := os.Stat(path)
			check.Passed = err == nil
			check.Details = "path=" + path
		case criteria.FileContains, criteria.FileNotContains:
			check.Passed, check.Details = checkFilePattern(repoRoot, c)
		case criteria.CommandSucceeds:
			check.Passed, check.Details = runCommand(ctx, repoRoot, stripTicks(c.Value))
		case criteria.GitDiffIncludes:
			check.Passed, check.Details = matchDiff(stripTicks(c.Value), diffNames, diffPatch)
		default:
			continue
		}
		checks = append(checks, check)
	}

	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
			break
		}
	}
	return Result{Passed: passed, Checks: checks}
}

func checkFilePattern(repoRoot string, c criteria.Criterion) (bool, string) {
	filePart, patternPart := SplitFilePattern(c.Value)
	path := resolve(repoRoot, stripTicks(filePart))
	content, err := os.ReadFile(path)
	if err != nil {
		return false, "path not found: " + path
	}

	pattern := stripTicks(patternPart)
	matched, mode, matchErr := matchPattern(string(content), pattern)
	details := fmt.Sprintf("path=%s pattern=%s mode=%s", path, pattern, mode)
	if matchErr != nil {
		return false, details + " error=" + matchErr.Error()
	}
	if c.Kind == criteria.FileNotContains {
		return !matched, details
	}
	return matched, details
}

// SplitFilePattern splits a file_contains payload into file and pattern on the
// first "::", falling back to the first ":".
func SplitFilePattern(payload string) (string, string) {
	if file, pattern, ok := strings.Cut(payload, "::"); ok {
		return strings.TrimSpace(file), strings.TrimSpace(pattern)
	}
	if file, pattern, ok := strings.Cut(payload, ":"); ok {
		return strings.TrimSpace(file), strings.TrimSpace(pattern)
	}
	return payload, ""
}

// matchPattern treats /.../ as a multi-line regular expression and anything
// else as a literal substring.
func matchPattern(content, pattern string) (bool, string, error) {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re, err := regexp.Compile("(?m)" + pattern[1:len(pattern)-1])
		if err != nil {
			return false, "regex", err
		}
		return re.MatchString(content), "regex", nil
	}
	return strings.Contains(content, pattern), "literal", nil
}

func runCommand(ctx context.Context, dir, command string) (bool, string) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			if stderr.Len() == 0 {
				stderr.WriteString(err.Error())
			}
		}
	}

	details := fmt.Sprintf("exit=%d", exitCode)
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		details += " stderr=" + truncateRunes(msg, stderrLimit)
	}
	return exitCode == 0, details
}

func matchDiff(needle string, names []string, patch string) (bool, string) {
	byName := false
	for _, name := range names {
		if strings.Contains(name, needle) {
			byName = true
			break
		}
	}
	byPatch := needle != "" && strings.Contains(patch, needle)
	matched := byName || byPatch

	files := "none"
	if len(names) > 0 {
		files = strings.Join(names, ",")
	}
	return matched, fmt.Sprintf("matched=%t by_name=%t by_patch=%t files=%s", matched, byName, byPatch, files)
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func stripTicks(value string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "`"))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
