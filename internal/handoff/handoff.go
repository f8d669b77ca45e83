// Package handoff maintains the per-task markdown document that stages append
// their human-readable notes to.
package handoff

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/kern/internal/evaluation"
	"github.com/aristath/kern/internal/validation"
)

// ErrMissingBlock is returned when a required handoff block is absent.
var ErrMissingBlock = errors.New("missing handoff block in stage output")

// Path returns the handoff document for taskID under dir.
func Path(dir string, taskID int) string {
	return filepath.Join(dir, "task-"+strconv.Itoa(taskID)+".md")
}

// Document is an append-only handoff file.
type Document struct {
	path string
	now  func() time.Time
}

// Open returns the handoff document for taskID, creating dir if needed. The
// file itself is created by Init.
func Open(dir string, taskID int) (*Document, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create handoff directory: %w", err)
	}
	return &Document{path: Path(dir, taskID), now: time.Now}, nil
}

// Path returns the file path of the document.
func (d *Document) Path() string {
	return d.path
}

// Init writes the header once. An existing document is left untouched so a
// resumed task keeps its history.
func (d *Document) Init(taskID int, hint, runDir string) error {
	if _, err := os.Stat(d.path); err == nil {
		return nil
	}
	header := strings.Join([]string{
		"# Task Handoff",
		"Task ID: " + strconv.Itoa(taskID),
		"Hint: " + hint,
		"Created: " + d.now().UTC().Format(evaluation.TimestampFormat),
		"Run Directory: " + runDir,
		"",
	}, "\n")
	if err := os.WriteFile(d.path, []byte(header), 0644); err != nil {
		return fmt.Errorf("failed to write handoff header: %w", err)
	}
	return nil
}

// AppendBlock appends a stage's handoff block. A blank block is an error when
// required and silently skipped otherwise.
func (d *Document) AppendBlock(block string, required bool) error {
	if strings.TrimSpace(block) == "" {
		if required {
			return ErrMissingBlock
		}
		return nil
	}
	return d.appendText("\n" + strings.TrimSpace(block) + "\n")
}

// AppendValidation records a validation pass.
func (d *Document) AppendValidation(result validation.Result, attempt int) error {
	lines := []string{
		"## Validation",
		fmt.Sprintf("- Attempt: %d", attempt),
		"- Status: " + passFail(result.Passed, "PASSED", "FAILED"),
	}
	for _, c := range result.Checks {
		lines = append(lines, fmt.Sprintf("- %s: %s :: %s", passFail(c.Passed, "PASS", "FAIL"), c.Criterion, c.Details))
	}
	return d.appendSection(lines)
}

// AppendEvaluation records the score of an attempt.
func (d *Document) AppendEvaluation(it evaluation.Iteration) error {
	lines := []string{
		"## Evaluation",
		fmt.Sprintf("- Attempt: %d", it.Attempt),
		fmt.Sprintf("- Score: %d", it.Score),
		"- Soft gate: " + passFail(it.PassedSoftGate, "PASSED", "FAILED"),
	}
	if len(it.CriticalFailures) > 0 {
		lines = append(lines, "- Critical failures:")
		for _, item := range it.CriticalFailures {
			lines = append(lines, "  - "+item)
		}
	}
	if len(it.Advisories) > 0 {
		lines = append(lines, "- Advisories:")
		for _, item := range it.Advisories {
			lines = append(lines, "  - "+item)
		}
	}
	return d.appendSection(lines)
}

// AppendFixContext records what the retried implement stage must fix.
func (d *Document) AppendFixContext(result validation.Result) error {
	lines := []string{
		"## Fix Context",
		"- Previous validation failed. Apply minimal changes and re-run validation.",
	}
	for _, c := range result.Failed() {
		lines = append(lines, "- Failed criterion: "+c.Criterion, "- Details: "+c.Details)
	}
	return d.appendSection(lines)
}

// Contents reads the whole document.
func (d *Document) Contents() (string, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Document) appendSection(lines []string) error {
	return d.appendText("\n" + strings.Join(lines, "\n") + "\n")
}

func (d *Document) appendText(text string) error {
	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open handoff file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("failed to append to handoff file: %w", err)
	}
	return nil
}

func passFail(ok bool, pass, fail string) string {
	if ok {
		return pass
	}
	return fail
}
