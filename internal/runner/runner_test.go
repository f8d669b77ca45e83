package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/kern/internal/contract"
	"github.com/aristath/kern/internal/stage"
)

const fakeClaude = `#!/bin/sh
printf '%s\n' "$@" > "$KERN_TEST_ARGS"
printf '%s\n' "$CLAUDE_CODE_TASK_LIST_ID" > "$KERN_TEST_ENV"
cat "$KERN_TEST_OUTPUT"
exit ${KERN_TEST_EXIT:-0}
`

// fakeCLI writes a stand-in claude executable that records its arguments and
// prints output. It returns the runner config and the argument file.
func fakeCLI(t *testing.T, output string, exitCode string) (Config, string, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(bin, []byte(fakeClaude), 0755))
	outFile := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(outFile, []byte(output), 0644))

	argsFile := filepath.Join(dir, "args")
	envFile := filepath.Join(dir, "env")
	env := []string{
		"KERN_TEST_ARGS=" + argsFile,
		"KERN_TEST_ENV=" + envFile,
		"KERN_TEST_OUTPUT=" + outFile,
		"KERN_TEST_EXIT=" + exitCode,
		"CLAUDE_CODE_TASK_LIST_ID=proj-main",
	}
	return Config{Command: bin, Env: env}, argsFile, envFile
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func specFor(t *testing.T, number int) stage.Spec {
	t.Helper()
	table, err := stage.Default()
	require.NoError(t, err)
	return table.MustGet(number)
}

// TestRunStage_RestrictedStage verifies argument assembly and parsing for a
// read-only stage.
func TestRunStage_RestrictedStage(t *testing.T) {
	out := `{"type":"result","subtype":"success","is_error":false,"result":"` +
		`<<HANDOFF>>\nnotes\n<<END_HANDOFF>>\n<<MACHINE>>\n` +
		`{\"stage\":2,\"status\":\"success\",\"task_id\":4,\"queue_empty\":false,\"skip\":false,\"summary\":\"d\"}` +
		`\n<<END_MACHINE>>\nSUCCESS task_id=4","session_id":"s-1","total_cost_usd":0.25,"usage":{"input_tokens":10}}`
	cfg, argsFile, envFile := fakeCLI(t, out, "0")
	cfg.ExtraArgs = []string{"--verbose"}
	pm := NewProcessManager()
	r := NewClaudeRunner(cfg, pm, nil)

	res, err := r.RunStage(context.Background(), specFor(t, stage.Design), "design it", t.TempDir(), "opus")
	require.NoError(t, err)

	require.True(t, res.Success(), "unexpected error: %v", res.Err)
	require.NotNil(t, res.TaskID)
	assert.Equal(t, 4, *res.TaskID)
	assert.Equal(t, "notes", res.Handoff)
	assert.Equal(t, "s-1", res.SessionID)
	require.NotNil(t, res.TotalCostUSD)
	assert.InDelta(t, 0.25, *res.TotalCostUSD, 1e-9)
	assert.Equal(t, float64(10), res.Usage["input_tokens"])
	assert.Zero(t, pm.Count())

	args := readLines(t, argsFile)
	assert.Equal(t, []string{"-p", "design it", "--output-format", "json", "--session-id"}, args[:5])
	assert.Contains(t, strings.Join(args, " "), "--model opus")
	assert.Contains(t, strings.Join(args, " "), "--allowedTools Read,Glob,Grep,LS,TaskGet,TaskList,TaskUpdate,Task")
	assert.NotContains(t, args, "--permission-mode")
	assert.Equal(t, "--verbose", args[len(args)-1])

	assert.Equal(t, []string{"proj-main"}, readLines(t, envFile))
}

func TestRunStage_UnrestrictedStageBypassesPermissions(t *testing.T) {
	cfg, argsFile, _ := fakeCLI(t, `{"type":"result","result":"SUCCESS task_id=1"}`, "0")
	r := NewClaudeRunner(cfg, nil, nil)

	_, err := r.RunStage(context.Background(), specFor(t, stage.Implement), "go", t.TempDir(), "opus")
	require.NoError(t, err)

	args := strings.Join(readLines(t, argsFile), " ")
	assert.NotContains(t, args, "--allowedTools")
	assert.Contains(t, args, "--permission-mode bypassPermissions")
}

func TestRunStage_EmptyResultFails(t *testing.T) {
	cfg, _, _ := fakeCLI(t, `{"type":"result","result":"   "}`, "0")
	r := NewClaudeRunner(cfg, nil, nil)

	res, err := r.RunStage(context.Background(), specFor(t, stage.PopulateQueue), "go", t.TempDir(), "haiku")
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, EmptyOutput, res.Raw)
	assert.Equal(t, contract.ReasonExplicitFailure, res.Err.Reason)
}

// TestRunStage_ErrorResultOverridesSuccess verifies an is_error result rejects
// output that would otherwise satisfy the contract, even with a non-zero exit.
func TestRunStage_ErrorResultOverridesSuccess(t *testing.T) {
	cfg, _, _ := fakeCLI(t, `{"type":"result","subtype":"error_max_turns","is_error":true,"result":"queue ready"}`, "1")
	r := NewClaudeRunner(cfg, nil, nil)

	res, err := r.RunStage(context.Background(), specFor(t, stage.PopulateQueue), "go", t.TempDir(), "haiku")
	require.NoError(t, err)
	require.False(t, res.Success())
	assert.Equal(t, "claude returned error subtype=error_max_turns", res.Err.Message)
}

func TestRunStage_MessageArrayUsesLastResult(t *testing.T) {
	out := `[{"type":"system"},{"type":"result","result":"first"},{"type":"result","result":"queue ready","session_id":"s-9"}]`
	cfg, _, _ := fakeCLI(t, out, "0")
	r := NewClaudeRunner(cfg, nil, nil)

	res, err := r.RunStage(context.Background(), specFor(t, stage.PopulateQueue), "go", t.TempDir(), "haiku")
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "queue ready", res.Raw)
	assert.Equal(t, "s-9", res.SessionID)
}

func TestRunStage_UnreadableOutputIsError(t *testing.T) {
	cfg, _, _ := fakeCLI(t, "not json", "2")
	r := NewClaudeRunner(cfg, nil, nil)

	_, err := r.RunStage(context.Background(), specFor(t, stage.Research), "go", t.TempDir(), "opus")
	assert.ErrorContains(t, err, "claude command failed")

	cfg, _, _ = fakeCLI(t, "not json", "0")
	_, err = NewClaudeRunner(cfg, nil, nil).RunStage(context.Background(), specFor(t, stage.Research), "go", t.TempDir(), "opus")
	assert.ErrorContains(t, err, "failed to parse claude result")
}

func TestRunStage_MissingBinary(t *testing.T) {
	r := NewClaudeRunner(Config{Command: filepath.Join(t.TempDir(), "nope")}, nil, nil)
	_, err := r.RunStage(context.Background(), specFor(t, stage.Research), "go", t.TempDir(), "opus")
	assert.ErrorContains(t, err, "failed to start command")
}

func TestRunCaptured_QuotesStderrOnFailure(t *testing.T) {
	cmd := stageCommand(context.Background(), "sh", "-c", "echo out; echo oops >&2; exit 3")
	out, err := runCaptured(cmd, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "(stderr: oops)")
	assert.Equal(t, "out\n", string(out.stdout))
	assert.Equal(t, "oops\n", string(out.stderr))
}

func TestRunCaptured_QuotesOnlyStderrTail(t *testing.T) {
	cmd := stageCommand(context.Background(), "sh", "-c", "head -c 5000 /dev/zero | tr '\\0' a >&2; echo END >&2; exit 1")
	out, err := runCaptured(cmd, nil)

	require.Error(t, err)
	assert.Len(t, out.stderr, 5004)
	quoted := err.Error()[strings.Index(err.Error(), "(stderr: ")+len("(stderr: ") : len(err.Error())-1]
	assert.Len(t, quoted, stderrTail)
	assert.True(t, strings.HasSuffix(quoted, "aEND"))
}

// TestRunCaptured_LargeOutput verifies both pipes drain without deadlock
// when output exceeds the pipe buffer.
func TestRunCaptured_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := stageCommand(ctx, "sh", "-c", "head -c 262144 /dev/zero; head -c 131072 /dev/zero >&2")
	out, err := runCaptured(cmd, nil)
	require.NoError(t, err)
	assert.Len(t, out.stdout, 262144)
	assert.Len(t, out.stderr, 131072)
}

func TestProcessManager_KillAll(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	cmd := stageCommand(ctx, "sleep", "30")
	done := make(chan error, 1)
	go func() {
		_, err := runCaptured(cmd, pm)
		done <- err
	}()

	require.Eventually(t, func() bool { return pm.Count() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, pm.KillAll())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
	assert.Zero(t, pm.Count())
}

func TestProcessManager_KillAllIgnoresExitedGroup(t *testing.T) {
	pm := NewProcessManager()
	cmd := stageCommand(context.Background(), "true")
	require.NoError(t, cmd.Start())
	pm.Track(cmd)
	require.NoError(t, cmd.Wait())

	assert.NoError(t, pm.KillAll())
	pm.Untrack(cmd)
	assert.Zero(t, pm.Count())
}

func TestRunStage_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg, _, _ := fakeCLI(t, `{"type":"result","result":"x"}`, "0")
	_, err := NewClaudeRunner(cfg, nil, nil).RunStage(ctx, specFor(t, stage.Research), "go", t.TempDir(), "opus")
	assert.ErrorIs(t, err, context.Canceled)
}
