package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aristath/kern/internal/stage"
)

// DefaultMaxFixAttempts is how many times "implement" is re-run after a
// failed soft gate.
const DefaultMaxFixAttempts = 1

// RunContext is the mutable cursor for one invocation. TaskID is the task the
// pipeline is currently working on; RequestedTaskID is what the caller asked
// for in single-task mode.
type RunContext struct {
	RunID           string
	RunDir          string
	KernDir         string
	HandoffDir      string
	StateDir        string
	SpecFile        string
	TaskID          *int
	RequestedTaskID *int
	Hint            string
	MaxTasks        int
	MaxFixAttempts  int
	DryRun          bool
	Verbose         bool
}

// NewRunContext lays out the .kern directories under runDir. taskID is nil for
// queue mode.
func NewRunContext(runID, runDir string, taskID *int, hint string, maxTasks int) *RunContext {
	kernDir := filepath.Join(runDir, ".kern")
	rc := &RunContext{
		RunID:          runID,
		RunDir:         runDir,
		KernDir:        kernDir,
		HandoffDir:     filepath.Join(kernDir, "handoff"),
		StateDir:       filepath.Join(kernDir, "state"),
		SpecFile:       "SPEC.md",
		Hint:           hint,
		MaxTasks:       maxTasks,
		MaxFixAttempts: DefaultMaxFixAttempts,
	}
	if taskID != nil {
		id := *taskID
		rc.RequestedTaskID = &id
		rc.TaskID = &id
	}
	return rc
}

// Validate rejects input that must never reach a stage.
func (rc *RunContext) Validate() error {
	if err := stage.ValidateHint(rc.Hint); err != nil {
		return err
	}
	if rc.MaxTasks < 1 {
		return errors.New("--count must be >= 1")
	}
	if rc.MaxFixAttempts < 0 {
		return fmt.Errorf("max fix attempts must be >= 0, got %d", rc.MaxFixAttempts)
	}
	if rc.RunDir == "" {
		return errors.New("run directory is required")
	}
	return nil
}

// SingleTask reports whether the caller pinned a task id.
func (rc *RunContext) SingleTask() bool {
	return rc.RequestedTaskID != nil
}

func (rc *RunContext) setTask(id *int) {
	if id == nil {
		rc.TaskID = nil
		return
	}
	v := *id
	rc.TaskID = &v
}
