// Package contract turns the free-form text a stage produces into a typed,
// cross-validated Execution.
//
// Every stage after the first speaks a two-layer contract: a terse status line
// as the last non-empty line, and a single-line JSON envelope between the
// machine markers. Both must agree. Stages 1 through 5 additionally carry a
// handoff block that is appended to the task's handoff document.
//
// Parse is pure: the same input always yields the same Execution, and a
// rejected output never carries partial state.
package contract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aristath/kern/internal/criteria"
)

// Wire markers shared with the prompts. These must stay byte-exact.
const (
	MachineStart = "<<MACHINE>>"
	MachineEnd   = "<<END_MACHINE>>"
	HandoffStart = "<<HANDOFF>>"
	HandoffEnd   = "<<END_HANDOFF>>"
)

var (
	stage1LineRe   = regexp.MustCompile(`^SUCCESS task_id=(\d+|none)(?: skip=true)?$`)
	stageNLineRe   = regexp.MustCompile(`^SUCCESS task_id=(\d+)$`)
	stage6LineRe   = regexp.MustCompile(`^SUCCESS$`)
	explicitFailRe = regexp.MustCompile(`(?im)^(FAILED|ERROR)\b`)
)

// Envelope is the machine-readable status a stage reports about itself.
type Envelope struct {
	Stage        int
	Status       string
	TaskID       *int
	QueueEmpty   bool
	Skip         bool
	Summary      string
	Criteria     []criteria.Criterion // nil when the field was absent
	PlannedFiles []string             // nil when the field was absent
	Metadata     map[string]any
}

// Execution is the verdict for one stage call.
type Execution struct {
	Raw        string
	TaskID     *int
	Skip       bool
	QueueEmpty bool
	Handoff    string
	Envelope   *Envelope
	Err        *Error
}

// Success reports whether the output satisfied the contract.
func (e Execution) Success() bool {
	return e.Err == nil
}

// Metadata returns the envelope metadata, if any.
func (e Execution) Metadata() map[string]any {
	if e.Envelope == nil {
		return nil
	}
	return e.Envelope.Metadata
}

// WithRunnerError rejects an otherwise successful execution because the
// runner reported an error result. Already rejected executions keep their
// original reason.
func (e Execution) WithRunnerError(subtype string) Execution {
	if !e.Success() {
		return e
	}
	if subtype == "" {
		subtype = "unknown"
	}
	e.Err = newError(ReasonRunner, "claude returned error subtype="+subtype)
	return e
}

// Failed builds a rejected Execution for raw with the given reason.
func Failed(raw string, reason Reason, message string) Execution {
	return Execution{Raw: raw, Err: newError(reason, message)}
}

type statusLine struct {
	taskID     *int
	queueEmpty bool
	skip       bool
}

// Parse validates raw against the contract for the given stage number.
func Parse(raw string, stage int) Execution {
	var line statusLine

	if stage == 0 {
		if explicitFailRe.MatchString(raw) {
			return Failed(raw, ReasonExplicitFailure, "Stage 0 output indicates failure")
		}
	} else {
		last, ok := lastNonEmptyLine(raw)
		if !ok {
			return Failed(raw, ReasonEmptyOutput, "Stage output is empty")
		}
		parsed, ok := parseStatusLine(last, stage)
		if !ok {
			return Failed(raw, ReasonStatusLine, fmt.Sprintf("Invalid SUCCESS line for stage %d: '%s'", stage, last))
		}
		line = parsed
	}

	var env *Envelope
	if stage >= 1 {
		block, ok := ExtractBlock(raw, MachineStart, MachineEnd)
		if !ok {
			return Failed(raw, ReasonMissingMachine, fmt.Sprintf("Missing %s block for stage %d", MachineStart, stage))
		}
		parsed, err := parseEnvelope(block)
		if err != nil {
			return Execution{Raw: raw, Err: err}
		}
		if parsed.Stage != stage {
			return Failed(raw, ReasonStageMismatch,
				fmt.Sprintf("Machine stage mismatch: expected %d, got %d", stage, parsed.Stage))
		}
		if parsed.Status != "success" {
			return Failed(raw, ReasonStatusNotSuccess,
				fmt.Sprintf("Machine status must be 'success', got '%s'", parsed.Status))
		}
		if msg := crossValidate(stage, parsed, line); msg != "" {
			return Failed(raw, ReasonCrossValidation, msg)
		}
		env = parsed
	}

	handoff, hasHandoff := ExtractBlock(raw, HandoffStart, HandoffEnd)
	if stage >= 1 && stage <= 5 && !hasHandoff {
		return Failed(raw, ReasonMissingHandoff, fmt.Sprintf("Missing %s block for stage %d", HandoffStart, stage))
	}

	taskID := line.taskID
	if stage == 6 && env != nil && env.TaskID != nil {
		taskID = env.TaskID
	}

	return Execution{
		Raw:        raw,
		TaskID:     taskID,
		Skip:       line.skip,
		QueueEmpty: line.queueEmpty,
		Handoff:    handoff,
		Envelope:   env,
	}
}

// ExtractBlock returns the trimmed text between the first start token and the
// first end token. ok is false when either token is missing, the end precedes
// the start, or the content is blank.
func ExtractBlock(raw, startToken, endToken string) (string, bool) {
	start := strings.Index(raw, startToken)
	end := strings.Index(raw, endToken)
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	from := start + len(startToken)
	if from > end {
		return "", false
	}
	content := strings.TrimSpace(raw[from:end])
	return content, content != ""
}

func parseStatusLine(line string, stage int) (statusLine, bool) {
	switch {
	case stage == 1:
		m := stage1LineRe.FindStringSubmatch(line)
		if m == nil {
			return statusLine{}, false
		}
		out := statusLine{skip: strings.Contains(line, " skip=true")}
		if m[1] == "none" {
			out.queueEmpty = true
		} else {
			id, err := strconv.Atoi(m[1])
			if err != nil {
				return statusLine{}, false
			}
			out.taskID = &id
		}
		return out, true
	case stage >= 2 && stage <= 5:
		m := stageNLineRe.FindStringSubmatch(line)
		if m == nil {
			return statusLine{}, false
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return statusLine{}, false
		}
		return statusLine{taskID: &id}, true
	case stage == 6:
		return statusLine{}, stage6LineRe.MatchString(line)
	}
	return statusLine{}, false
}

func crossValidate(stage int, env *Envelope, line statusLine) string {
	if stage < 1 || stage > 5 {
		return ""
	}
	if env.QueueEmpty != line.queueEmpty {
		return fmt.Sprintf("Machine queue_empty mismatch: expected %t, got %t", line.queueEmpty, env.QueueEmpty)
	}
	if env.Skip != line.skip {
		return fmt.Sprintf("Machine skip mismatch: expected %t, got %t", line.skip, env.Skip)
	}
	if !sameID(env.TaskID, line.taskID) {
		return fmt.Sprintf("Machine task_id mismatch: expected %s, got %s", FormatID(line.taskID), FormatID(env.TaskID))
	}

	if stage == 1 {
		if line.queueEmpty && line.taskID != nil {
			return "Stage 1 queue-empty output must have task_id=null"
		}
		if !line.queueEmpty && line.taskID == nil {
			return "Stage 1 selected-task output must have task_id integer"
		}
		return ""
	}

	if line.taskID == nil {
		return fmt.Sprintf("Stage %d requires task_id in SUCCESS line", stage)
	}
	if line.queueEmpty {
		return fmt.Sprintf("Stage %d cannot set queue_empty=true", stage)
	}
	if line.skip {
		return fmt.Sprintf("Stage %d cannot set skip=true", stage)
	}
	return ""
}

// FormatID renders an optional task id, using "none" for nil.
func FormatID(id *int) string {
	if id == nil {
		return "none"
	}
	return strconv.Itoa(*id)
}

func sameID(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func lastNonEmptyLine(raw string) (string, bool) {
	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}
