// Package pipeline drives tasks through the fixed stage sequence, one task at
// a time, either for a single requested task or for a whole queue.
//
// Per task the states are:
//
//	selecting -> researched -> designed -> structured -> planned ->
//	implemented -> [soft gate failed] retrying -> implemented -> completed
//
// with skipped reachable right after research and failed reachable from any
// state. Each state change is published on the event bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/kern/internal/contract"
	"github.com/aristath/kern/internal/criteria"
	"github.com/aristath/kern/internal/evaluation"
	"github.com/aristath/kern/internal/events"
	"github.com/aristath/kern/internal/handoff"
	"github.com/aristath/kern/internal/runlog"
	"github.com/aristath/kern/internal/runner"
	"github.com/aristath/kern/internal/stage"
	"github.com/aristath/kern/internal/state"
	"github.com/aristath/kern/internal/validation"
)

const (
	diffStatLines     = 30
	recentCommitLines = 80
	recentCommitCount = 5
)

var pendingTaskRe = regexp.MustCompile(`^\s*-\s\[(~| )\]\s(.*)$`)

// StageRunner executes one stage and parses its output against the stage
// contract. Errors mean the stage could not be run at all.
type StageRunner interface {
	RunStage(ctx context.Context, spec stage.Spec, prompt, workDir, model string) (runner.Result, error)
}

// Validator checks success criteria against the working tree.
type Validator interface {
	Validate(ctx context.Context, taskID int, repoRoot, handoffFile string, crit []criteria.Criterion) validation.Result
}

// VCS answers the working-tree questions the pipeline asks. Implementations
// return neutral values instead of failing.
type VCS interface {
	DiffStat(ctx context.Context, dir string) string
	RecentCommits(ctx context.Context, dir string, n int) string
	ChangedFileNames(ctx context.Context, dir string) []string
	HasUncommittedChanges(ctx context.Context, dir string) bool
}

// Options wires a Pipeline's collaborators. Runner, Validator, VCS and RunLog
// are required.
type Options struct {
	Runner    StageRunner
	Validator Validator
	VCS       VCS
	RunLog    *runlog.Logger
	Stages    *stage.Table   // defaults to the built-in table
	Prompts   *stage.Prompts // defaults to the built-in prompts
	Bus       *events.Bus
	Logger    *zap.Logger

	// StageModels overrides the model per stage number.
	StageModels map[int]string
	Now         func() time.Time
}

// Pipeline runs tasks for one invocation.
type Pipeline struct {
	rc        *RunContext
	runner    StageRunner
	validator Validator
	vcs       VCS
	runlog    *runlog.Logger
	stages    *stage.Table
	templates map[int]stage.Template
	store     *state.Store
	bus       *events.Bus
	logger    *zap.Logger
	models    map[int]string
	now       func() time.Time

	completed int
	taskState string
}

// New validates rc and loads every stage prompt up front.
func New(rc *RunContext, opts Options) (*Pipeline, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if opts.Runner == nil || opts.Validator == nil || opts.VCS == nil || opts.RunLog == nil {
		return nil, errors.New("pipeline: runner, validator, vcs and run log are required")
	}

	stages := opts.Stages
	if stages == nil {
		var err error
		if stages, err = stage.Default(); err != nil {
			return nil, err
		}
	}
	prompts := opts.Prompts
	if prompts == nil {
		prompts = stage.Builtin()
	}
	templates := make(map[int]stage.Template)
	for _, n := range stages.Order() {
		tmpl, err := prompts.Load(stages.MustGet(n))
		if err != nil {
			return nil, err
		}
		templates[n] = tmpl
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		rc:        rc,
		runner:    opts.Runner,
		validator: opts.Validator,
		vcs:       opts.VCS,
		runlog:    opts.RunLog,
		stages:    stages,
		templates: templates,
		store:     state.NewStore(rc.StateDir),
		bus:       opts.Bus,
		logger:    logger,
		models:    opts.StageModels,
		now:       now,
	}, nil
}

// Completed returns how many tasks finished (including skipped ones).
func (p *Pipeline) Completed() int {
	return p.completed
}

// Run executes the invocation. In single-task mode it runs the requested task;
// otherwise it populates the queue and works through it until the queue is
// empty, a task fails, or MaxTasks is reached. Failures are returned as
// *TaskFailedError with the message meant for the operator.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	started := p.now()
	defer func() {
		code := 0
		if err != nil {
			code = 1
		}
		p.emit(events.RunFinishedEvent{
			RunID:     p.rc.RunID,
			Completed: p.completed,
			ExitCode:  code,
			Duration:  p.now().Sub(started),
			Timestamp: p.now(),
		})
	}()

	if p.rc.SingleTask() {
		err := p.runTask(ctx)
		if errors.Is(err, ErrNoTaskAvailable) {
			return taskFailed("Task %d failed", *p.rc.RequestedTaskID)
		}
		if err == nil && !p.rc.DryRun {
			p.completed++
		}
		return err
	}

	if p.rc.DryRun {
		p.previewQueue()
		return nil
	}

	if _, err := p.runStage(ctx, stage.PopulateQueue, "", nil); err != nil {
		var tf *TaskFailedError
		if errors.As(err, &tf) {
			return &TaskFailedError{Message: "Failed to populate task queue: " + tf.Message, Err: tf}
		}
		return err
	}

	for {
		if p.completed >= p.rc.MaxTasks {
			p.logger.Info(fmt.Sprintf("Reached max tasks limit (%d)", p.rc.MaxTasks))
			break
		}
		p.rc.setTask(nil)

		err := p.runTask(ctx)
		if errors.Is(err, ErrNoTaskAvailable) {
			break
		}
		var tf *TaskFailedError
		if errors.As(err, &tf) {
			current := "unknown"
			if p.rc.TaskID != nil {
				current = strconv.Itoa(*p.rc.TaskID)
			}
			return &TaskFailedError{Message: fmt.Sprintf("Task %s failed: %s", current, tf.Message), Err: tf}
		}
		if err != nil {
			return err
		}
		p.completed++
	}

	if p.completed == 0 {
		p.logger.Info("No pending tasks in queue")
	} else {
		p.logger.Info(fmt.Sprintf("Completed %d task(s)", p.completed))
	}
	return nil
}

// runTask runs one task and publishes a failed transition if it aborts.
func (p *Pipeline) runTask(ctx context.Context) error {
	err := p.executeTask(ctx)
	var tf *TaskFailedError
	if errors.As(err, &tf) {
		p.transition(events.StateFailed, tf.Message)
	}
	return err
}

func (p *Pipeline) executeTask(ctx context.Context) error {
	if p.rc.DryRun {
		for n := stage.Research; n <= stage.ReviewCommit; n++ {
			if _, err := p.runStage(ctx, n, "", nil); err != nil {
				return err
			}
		}
		return nil
	}

	if p.rc.TaskID == nil {
		p.logger.Info("Selecting next task...")
	}
	p.taskState = ""
	p.transition(events.StateSelecting, "")

	first, err := p.runStage(ctx, stage.Research, "", nil)
	if err != nil {
		return err
	}
	if first.QueueEmpty || p.rc.TaskID == nil {
		p.logger.Info("No more tasks in queue")
		return ErrNoTaskAvailable
	}
	if req := p.rc.RequestedTaskID; req != nil && *p.rc.TaskID != *req {
		return taskFailed("Stage 1 returned task_id=%d, expected %d", *p.rc.TaskID, *req)
	}
	taskID := *p.rc.TaskID

	doc, err := handoff.Open(p.rc.HandoffDir, taskID)
	if err != nil {
		return wrapFailure(err, "preparing handoff")
	}
	if err := doc.Init(taskID, p.rc.Hint, p.rc.RunDir); err != nil {
		return wrapFailure(err, "preparing handoff")
	}
	if err := p.persist(doc, taskID, stage.Research, first); err != nil {
		return err
	}
	p.transition(events.StateResearched, "")

	p.logger.Info(fmt.Sprintf("Executing task: %d", taskID))
	if first.Skip {
		p.logger.Info(fmt.Sprintf("Task %d already complete, skipping implementation", taskID))
		p.transition(events.StateSkipped, "")
		return nil
	}

	planning := []struct {
		stage int
		state string
	}{
		{stage.Design, events.StateDesigned},
		{stage.Structure, events.StateStructured},
		{stage.Plan, events.StatePlanned},
	}
	for _, step := range planning {
		res, err := p.runStage(ctx, step.stage, doc.Path(), nil)
		if err != nil {
			return err
		}
		if err := p.persist(doc, taskID, step.stage, res); err != nil {
			return err
		}
		p.transition(step.state, "")
	}

	crit := p.store.Criteria(taskID)
	if len(crit) == 0 {
		return taskFailed("Stage 4 must provide normalized criteria in machine block")
	}
	planned := p.store.PlannedFiles(taskID)

	if err := p.implement(ctx, doc, taskID, nil); err != nil {
		return err
	}
	it, result, err := p.validateAndEvaluate(ctx, doc, taskID, 1, crit, planned)
	if err != nil {
		return err
	}

	for fix := 1; !it.PassedSoftGate; fix++ {
		if p.rc.MaxFixAttempts < 1 {
			return taskFailed("Validation failed and fix attempts are disabled")
		}
		if fix > p.rc.MaxFixAttempts {
			reasons := strings.Join(it.CriticalFailures, ", ")
			if reasons == "" {
				reasons = "unknown error"
			}
			return taskFailed("Validation failed after %d %s: %s", p.rc.MaxFixAttempts, plural(p.rc.MaxFixAttempts, "fix attempt"), reasons)
		}

		if err := doc.AppendFixContext(result); err != nil {
			return wrapFailure(err, "writing handoff")
		}
		hint := evaluation.FixHint(p.rc.Hint, result, it)
		p.transition(events.StateRetrying, strings.Join(it.CriticalFailures, ", "))

		if err := p.implement(ctx, doc, taskID, &hint); err != nil {
			return err
		}
		it, result, err = p.validateAndEvaluate(ctx, doc, taskID, fix+1, crit, planned)
		if err != nil {
			return err
		}
	}

	if p.vcs.HasUncommittedChanges(ctx, p.rc.RunDir) {
		res, err := p.runStage(ctx, stage.ReviewCommit, doc.Path(), nil)
		if err != nil {
			return err
		}
		if err := doc.AppendBlock(res.Handoff, false); err != nil {
			return wrapFailure(err, "writing handoff")
		}
	} else {
		p.logger.Info("No changes to commit")
	}

	p.logger.Info(fmt.Sprintf("Task %d completed", taskID))
	p.transition(events.StateCompleted, "")
	return nil
}

// implement runs stage 5, optionally with a fix hint in place of the
// operator's hint.
func (p *Pipeline) implement(ctx context.Context, doc *handoff.Document, taskID int, hint *string) error {
	res, err := p.runStage(ctx, stage.Implement, doc.Path(), hint)
	if err != nil {
		return err
	}
	if err := p.persist(doc, taskID, stage.Implement, res); err != nil {
		return err
	}
	p.transition(events.StateImplemented, "")
	return nil
}

// persist appends a stage's handoff block and folds its envelope into the
// task state. It only runs after the stage output has been fully accepted.
func (p *Pipeline) persist(doc *handoff.Document, taskID, number int, res runner.Result) error {
	if err := doc.AppendBlock(res.Handoff, true); err != nil {
		return wrapFailure(err, "stage %d", number)
	}
	if err := p.store.ApplyEnvelope(taskID, res.Envelope); err != nil {
		return wrapFailure(err, "saving task state")
	}
	return nil
}

func (p *Pipeline) validateAndEvaluate(ctx context.Context, doc *handoff.Document, taskID, attempt int, crit []criteria.Criterion, planned []string) (evaluation.Iteration, validation.Result, error) {
	result := p.validator.Validate(ctx, taskID, p.rc.RunDir, doc.Path(), crit)
	if err := doc.AppendValidation(result, attempt); err != nil {
		return evaluation.Iteration{}, result, wrapFailure(err, "writing handoff")
	}

	it := evaluation.EvaluateAt(evaluation.Input{
		TaskID:        taskID,
		Attempt:       attempt,
		Validation:    result,
		ChangedFiles:  p.vcs.ChangedFileNames(ctx, p.rc.RunDir),
		PlannedFiles:  planned,
		PreviousScore: p.runlog.PreviousScore(taskID),
	}, p.now())

	if err := doc.AppendEvaluation(it); err != nil {
		return it, result, wrapFailure(err, "writing handoff")
	}
	if _, err := p.runlog.AppendEvaluation(it); err != nil {
		return it, result, wrapFailure(err, "writing evaluation report")
	}

	p.logger.Debug("evaluated attempt",
		zap.Int("task_id", taskID),
		zap.Int("attempt", attempt),
		zap.Int("score", it.Score),
		zap.Bool("passed_soft_gate", it.PassedSoftGate))
	p.emit(events.EvaluatedEvent{
		Task:             taskID,
		Attempt:          attempt,
		Score:            it.Score,
		PassedSoftGate:   it.PassedSoftGate,
		CriticalFailures: it.CriticalFailures,
		Timestamp:        p.now(),
	})
	return it, result, nil
}

// runStage renders and runs one stage, logs it, and enforces the task id
// rules that span stages. hint replaces the operator hint when non-nil.
func (p *Pipeline) runStage(ctx context.Context, number int, handoffFile string, hint *string) (runner.Result, error) {
	spec := p.stages.MustGet(number)
	p.logger.Info(fmt.Sprintf("Stage %d: %s", spec.Number, spec.Name))

	model := p.model(spec)
	if p.rc.DryRun {
		p.logger.Info("[DRY-RUN] Would run: claude --model " + model)
		return runner.Result{Execution: contract.Execution{TaskID: copyID(p.rc.TaskID)}}, nil
	}
	if err := ctx.Err(); err != nil {
		return runner.Result{}, fmt.Errorf("stage %d not started: %w", number, err)
	}

	activeHint := p.rc.Hint
	if hint != nil {
		activeHint = *hint
	}
	prompt := stage.Render(p.templates[number].Body, p.substitutions(ctx, activeHint, handoffFile))
	p.logger.Debug("rendered prompt", zap.Int("stage", number), zap.String("model", model), zap.Int("bytes", len(prompt)))

	p.emit(events.StageStartedEvent{
		Task:      copyID(p.rc.TaskID),
		Stage:     number,
		Name:      spec.Name,
		Model:     model,
		Timestamp: p.now(),
	})

	started := p.now().UTC()
	res, runErr := p.runner.RunStage(ctx, spec, prompt, p.rc.RunDir, model)
	ended := p.now().UTC()

	errMsg := ""
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
	case !res.Success():
		errMsg = res.Err.Message
	}

	eventTask := res.TaskID
	if eventTask == nil {
		eventTask = p.rc.TaskID
	}
	duration := ended.Sub(started)
	if duration < 0 {
		duration = 0
	}
	logErr := p.runlog.LogStage(runlog.StageEvent{
		RunID:        p.rc.RunID,
		TaskID:       copyID(eventTask),
		StageNumber:  number,
		StageName:    spec.Name,
		Model:        model,
		StartedAt:    started.Format(evaluation.TimestampFormat),
		EndedAt:      ended.Format(evaluation.TimestampFormat),
		DurationMS:   duration.Milliseconds(),
		Success:      errMsg == "",
		Skip:         res.Skip,
		QueueEmpty:   res.QueueEmpty,
		Usage:        res.Usage,
		TotalCostUSD: res.TotalCostUSD,
		Error:        errMsg,
	})
	p.emit(events.StageFinishedEvent{
		Task:      copyID(eventTask),
		Stage:     number,
		Name:      spec.Name,
		Success:   errMsg == "",
		Error:     errMsg,
		Duration:  duration,
		CostUSD:   res.TotalCostUSD,
		Timestamp: ended,
	})

	if runErr != nil {
		return res, &TaskFailedError{Message: runErr.Error(), Err: runErr}
	}
	if !res.Success() {
		msg := res.Err.Message
		if msg == "" {
			msg = res.Raw
		}
		return res, &TaskFailedError{Message: msg, Err: res.Err}
	}
	if logErr != nil {
		return res, wrapFailure(logErr, "writing run log")
	}

	switch {
	case number == stage.Research:
		switch {
		case res.QueueEmpty:
			p.rc.setTask(nil)
		case res.TaskID != nil:
			p.rc.setTask(res.TaskID)
			p.logger.Debug(fmt.Sprintf("Stage 1 selected task: %d", *res.TaskID))
		default:
			return res, taskFailed("Stage 1 must return task_id=<ID> or task_id=none")
		}
		if res.Skip {
			p.logger.Debug(fmt.Sprintf("Task %s already complete, will skip", contract.FormatID(p.rc.TaskID)))
		}
	case number >= stage.Design && number <= stage.Implement:
		if p.rc.TaskID == nil {
			return res, taskFailed("Stage %d cannot run without active task_id", number)
		}
		if res.TaskID == nil || *res.TaskID != *p.rc.TaskID {
			return res, taskFailed("Stage %d returned task_id=%s, expected %d", number, contract.FormatID(res.TaskID), *p.rc.TaskID)
		}
	}
	return res, nil
}

// model picks the configured override, then the prompt's front matter, then
// the stage default.
func (p *Pipeline) model(spec stage.Spec) string {
	if m := p.models[spec.Number]; m != "" {
		return m
	}
	if m := p.templates[spec.Number].Model; m != "" {
		return m
	}
	return spec.DefaultModel
}

func (p *Pipeline) substitutions(ctx context.Context, hint, handoffFile string) map[string]string {
	taskID := ""
	if p.rc.TaskID != nil {
		taskID = strconv.Itoa(*p.rc.TaskID)
	}
	return map[string]string{
		"TASK_ID":        taskID,
		"HINT":           stage.WrapUntrusted("hint", hint),
		"DIFF":           stage.WrapUntrusted("git-diff", stage.HeadLines(p.vcs.DiffStat(ctx, p.rc.RunDir), diffStatLines)),
		"RECENT_COMMITS": stage.WrapUntrusted("git-log", stage.HeadLines(p.vcs.RecentCommits(ctx, p.rc.RunDir, recentCommitCount), recentCommitLines)),
		"SPEC_FILE":      p.rc.SpecFile,
		"HANDOFF_FILE":   handoffFile,
	}
}

// PendingTask is an unchecked checklist line of the task document.
type PendingTask struct {
	Line        int
	Marker      string // " " for open, "~" for in progress
	Description string
}

// PendingTasks lists the "- [ ]" and "- [~]" lines of content with their
// 1-based line numbers.
func PendingTasks(content string) []PendingTask {
	var tasks []PendingTask
	for i, line := range strings.Split(content, "\n") {
		m := pendingTaskRe.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
		if m == nil {
			continue
		}
		tasks = append(tasks, PendingTask{Line: i + 1, Marker: m[1], Description: m[2]})
	}
	return tasks
}

func (p *Pipeline) previewQueue() {
	p.logger.Info(fmt.Sprintf("[DRY-RUN] Would process up to %d tasks from %s:", p.rc.MaxTasks, p.rc.SpecFile))

	path := p.rc.SpecFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.rc.RunDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Info("  - Missing " + p.rc.SpecFile)
		return
	}

	tasks := PendingTasks(string(data))
	if len(tasks) > p.rc.MaxTasks {
		tasks = tasks[:p.rc.MaxTasks]
	}
	for _, t := range tasks {
		p.logger.Info(fmt.Sprintf("  - Line %d: %s", t.Line, t.Description))
	}
}

func (p *Pipeline) transition(to, reason string) {
	from := p.taskState
	p.taskState = to
	p.logger.Debug("task state changed",
		zap.String("task_id", contract.FormatID(p.rc.TaskID)),
		zap.String("from", from),
		zap.String("to", to))
	p.emit(events.TaskStateEvent{
		Task:      copyID(p.rc.TaskID),
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: p.now(),
	})
}

func (p *Pipeline) emit(ev events.Event) {
	if p.bus != nil {
		p.bus.Emit(ev)
	}
}

func copyID(id *int) *int {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
