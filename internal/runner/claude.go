// Package runner executes pipeline stages through the Claude Code CLI.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/kern/internal/contract"
	"github.com/aristath/kern/internal/stage"
)

// EmptyOutput replaces a blank stage result so it is rejected as a failure.
const EmptyOutput = "FAILED: empty stage output"

// Result is a parsed stage execution plus the accounting the CLI reported.
type Result struct {
	contract.Execution
	SessionID    string
	Usage        map[string]any
	TotalCostUSD *float64
}

// Config configures a ClaudeRunner.
type Config struct {
	// Command is the claude executable; "claude" when empty.
	Command string
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
	// Env is added to the inherited environment as KEY=VALUE pairs.
	Env []string
}

// ClaudeRunner runs each stage as a fresh `claude -p` invocation.
type ClaudeRunner struct {
	cfg     Config
	procMgr *ProcessManager
	logger  *zap.Logger
}

// claudeResult is the document printed by `claude --output-format json`.
type claudeResult struct {
	Type         string         `json:"type"`
	Subtype      string         `json:"subtype"`
	IsError      bool           `json:"is_error"`
	Result       string         `json:"result"`
	SessionID    string         `json:"session_id"`
	Usage        map[string]any `json:"usage"`
	TotalCostUSD *float64       `json:"total_cost_usd"`
}

// NewClaudeRunner creates a runner. procMgr and logger may be nil.
func NewClaudeRunner(cfg Config, procMgr *ProcessManager, logger *zap.Logger) *ClaudeRunner {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeRunner{cfg: cfg, procMgr: procMgr, logger: logger}
}

// RunStage sends prompt to a new session and parses the reply against the
// stage's output contract. An error is returned only when the CLI could not
// be run or produced no readable result; contract violations are reported
// through the Execution.
func (r *ClaudeRunner) RunStage(ctx context.Context, spec stage.Spec, prompt, workDir, model string) (Result, error) {
	sessionID := uuid.NewString()
	args := r.buildArgs(spec, prompt, model, sessionID)

	cmd := stageCommand(ctx, r.cfg.Command, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), r.cfg.Env...)

	r.logger.Debug("running stage",
		zap.Int("stage", spec.Number),
		zap.String("model", model),
		zap.String("session_id", sessionID))

	out, runErr := runCaptured(cmd, r.procMgr)
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("stage %d cancelled: %w", spec.Number, ctx.Err())
	}

	// The CLI exits non-zero for error results but still prints the result
	// document, so a parseable stdout wins over the exit status.
	res, parseErr := parseClaudeResult(out.stdout)
	if parseErr != nil {
		if runErr != nil {
			return Result{}, fmt.Errorf("claude command failed: %w", runErr)
		}
		return Result{}, fmt.Errorf("failed to parse claude result: %w", parseErr)
	}

	raw := strings.TrimSpace(res.Result)
	if raw == "" {
		raw = EmptyOutput
	}
	execution := contract.Parse(raw, spec.Number)
	if res.IsError {
		execution = execution.WithRunnerError(res.Subtype)
	}

	sid := res.SessionID
	if sid == "" {
		sid = sessionID
	}
	return Result{
		Execution:    execution,
		SessionID:    sid,
		Usage:        res.Usage,
		TotalCostUSD: res.TotalCostUSD,
	}, nil
}

// buildArgs assembles the CLI arguments. Tool restrictions are only passed
// for restricted stages and the permission mode only when it is not the
// default.
func (r *ClaudeRunner) buildArgs(spec stage.Spec, prompt, model, sessionID string) []string {
	args := []string{"-p", prompt, "--output-format", "json", "--session-id", sessionID}
	if model != "" {
		args = append(args, "--model", model)
	}
	if spec.AllowedTools != nil {
		args = append(args, "--allowedTools", strings.Join(spec.AllowedTools, ","))
	}
	if spec.PermissionMode != "" && spec.PermissionMode != stage.PermissionDefault {
		args = append(args, "--permission-mode", spec.PermissionMode)
	}
	return append(args, r.cfg.ExtraArgs...)
}

// parseClaudeResult decodes the final result document. Some CLI versions
// print a JSON array of messages; the last "result" entry is used then.
func parseClaudeResult(data []byte) (claudeResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return claudeResult{}, fmt.Errorf("empty output")
	}

	if data[0] == '[' {
		var msgs []claudeResult
		if err := json.Unmarshal(data, &msgs); err != nil {
			return claudeResult{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Type == "result" {
				return msgs[i], nil
			}
		}
		return claudeResult{}, fmt.Errorf("no result message in output")
	}

	var res claudeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return claudeResult{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return res, nil
}
