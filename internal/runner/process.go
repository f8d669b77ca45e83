package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// stderrTail bounds how much subprocess stderr is quoted in an error.
const stderrTail = 2048

// stageCommand builds the command for one stage invocation. The child leads
// its own process group and cancelling ctx kills that whole group, so tools
// the agent spawned go down with it.
func stageCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd)
	}
	return cmd
}

// captured is the output of a finished stage subprocess.
type captured struct {
	stdout []byte
	stderr []byte
}

// runCaptured starts cmd, registers it with pm (which may be nil) while it
// runs, and collects both output streams.
func runCaptured(cmd *exec.Cmd, pm *ProcessManager) (captured, error) {
	var out captured
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return out, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return out, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return out, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	// Wait closes the pipes, so both readers must finish first.
	var stdoutBuf, stderrBuf bytes.Buffer
	var readers sync.WaitGroup
	for _, p := range []struct {
		dst *bytes.Buffer
		src io.Reader
	}{{&stdoutBuf, stdoutPipe}, {&stderrBuf, stderrPipe}} {
		readers.Add(1)
		go func() {
			defer readers.Done()
			_, _ = io.Copy(p.dst, p.src)
		}()
	}
	readers.Wait()

	waitErr := cmd.Wait()
	out.stdout, out.stderr = stdoutBuf.Bytes(), stderrBuf.Bytes()
	if waitErr == nil {
		return out, nil
	}
	msg := bytes.TrimSpace(out.stderr)
	if len(msg) == 0 {
		return out, fmt.Errorf("command failed: %w", waitErr)
	}
	if len(msg) > stderrTail {
		msg = msg[len(msg)-stderrTail:]
	}
	return out, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, msg)
}

// signalGroup sends SIGKILL to the process group cmd leads. A group that has
// already exited is not an error.
func signalGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("failed to kill process group %d: %w", cmd.Process.Pid, err)
}

// ProcessManager records the stage subprocesses in flight so a shutdown can
// kill them.
type ProcessManager struct {
	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{running: make(map[*exec.Cmd]struct{})}
}

// Track registers a started subprocess. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.running[cmd] = struct{}{}
	pm.mu.Unlock()
}

// Untrack forgets a subprocess once it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	pm.mu.Lock()
	delete(pm.running, cmd)
	pm.mu.Unlock()
}

// KillAll kills the process group of every tracked stage and reports the
// groups that could not be signalled.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for cmd := range pm.running {
		if err := signalGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of stage subprocesses in flight.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.running)
}
