// Package runlog keeps the append-only records of a run: one JSONL event per
// stage call under runs/<run_id>/, and one JSONL report line per evaluation
// under reports/task-<id>.jsonl.
package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/kern/internal/evaluation"
)

// StageEvent is one line of events.jsonl.
type StageEvent struct {
	RunID        string         `json:"run_id"`
	TaskID       *int           `json:"task_id"`
	StageNumber  int            `json:"stage_number"`
	StageName    string         `json:"stage_name"`
	Model        string         `json:"model"`
	StartedAt    string         `json:"started_at"`
	EndedAt      string         `json:"ended_at"`
	DurationMS   int64          `json:"duration_ms"`
	Success      bool           `json:"success"`
	Skip         bool           `json:"skip"`
	QueueEmpty   bool           `json:"queue_empty"`
	Usage        map[string]any `json:"usage"`
	TotalCostUSD *float64       `json:"total_cost_usd"`
	Error        string         `json:"error,omitempty"`
}

// Logger appends events and evaluation reports for one run.
type Logger struct {
	runID      string
	runDir     string
	eventsFile string
	reportsDir string
	mu         sync.Mutex
}

// NewRunID returns a sortable identifier for a run: a UTC timestamp with
// microseconds, the process id and a short random suffix.
func NewRunID(now time.Time) string {
	stamp := now.UTC().Format("20060102T150405.000000Z")
	stamp = strings.Replace(stamp, ".", "", 1)
	return fmt.Sprintf("%s-%d-%s", stamp, os.Getpid(), uuid.NewString()[:8])
}

// New creates the run and reports directories under kernDir.
func New(kernDir, runID string) (*Logger, error) {
	runDir := filepath.Join(kernDir, "runs", runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	reportsDir := filepath.Join(kernDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}
	return &Logger{
		runID:      runID,
		runDir:     runDir,
		eventsFile: filepath.Join(runDir, "events.jsonl"),
		reportsDir: reportsDir,
	}, nil
}

// RunID returns the run identifier.
func (l *Logger) RunID() string { return l.runID }

// RunDir returns the directory holding this run's artifacts.
func (l *Logger) RunDir() string { return l.runDir }

// EventsFile returns the path of events.jsonl.
func (l *Logger) EventsFile() string { return l.eventsFile }

// ReportsDir returns the directory holding per-task reports.
func (l *Logger) ReportsDir() string { return l.reportsDir }

// LogStage appends one stage event. The run id is filled in when empty.
func (l *Logger) LogStage(ev StageEvent) error {
	if ev.RunID == "" {
		ev.RunID = l.runID
	}
	return l.appendJSONL(l.eventsFile, ev)
}

// AppendEvaluation appends it to the task's report file and returns its path.
func (l *Logger) AppendEvaluation(it evaluation.Iteration) (string, error) {
	path := l.reportPath(it.TaskID)
	if err := l.appendJSONL(path, it); err != nil {
		return "", err
	}
	return path, nil
}

// PreviousScore returns the last recorded integer score for taskID. Corrupt
// lines and non-integer scores are ignored.
func (l *Logger) PreviousScore(taskID int) *int {
	f, err := os.Open(l.reportPath(taskID))
	if err != nil {
		return nil
	}
	defer f.Close()

	var last *int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload struct {
			Score json.RawMessage `json:"score"`
		}
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			continue
		}
		score, err := strconv.Atoi(string(payload.Score))
		if err != nil {
			continue
		}
		last = &score
	}
	return last
}

func (l *Logger) reportPath(taskID int) string {
	return filepath.Join(l.reportsDir, "task-"+strconv.Itoa(taskID)+".jsonl")
}

func (l *Logger) appendJSONL(path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode log line: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}
