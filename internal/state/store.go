// Package state persists the per-task record that carries planned files,
// success criteria and stage metadata from one stage to the next.
//
// Each task lives in its own task-<id>.json file. Fields are only ever added
// or replaced; unknown keys written by other tools are preserved.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aristath/kern/internal/contract"
	"github.com/aristath/kern/internal/criteria"
)

// Document keys.
const (
	keyTaskID        = "task_id"
	keyPlannedFiles  = "planned_files"
	keyCriteria      = "success_criteria"
	keyStageMetadata = "stage_metadata"
)

// Stages whose envelope fields are persisted.
const (
	StructureStage = 3
	PlanStage      = 4
)

// Store reads and writes task state files under a single directory.
type Store struct {
	dir   string
	locks *taskLocks
}

// NewStore creates a Store rooted at dir. The directory is created lazily on
// the first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir, locks: newTaskLocks()}
}

// Path returns the state file for taskID.
func (s *Store) Path(taskID int) string {
	return filepath.Join(s.dir, "task-"+strconv.Itoa(taskID)+".json")
}

// Load returns the raw state document for taskID. A missing, unreadable or
// corrupt file yields an empty document.
func (s *Store) Load(taskID int) map[string]any {
	data, err := os.ReadFile(s.Path(taskID))
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return map[string]any{}
	}
	return doc
}

// ApplyEnvelope folds a parsed stage envelope into the task's state. Planned
// files are taken from the structure stage and criteria from the plan stage;
// metadata is stored per stage number. An empty criteria list never clears
// criteria already attached. A nil envelope is a no-op.
func (s *Store) ApplyEnvelope(taskID int, env *contract.Envelope) error {
	if env == nil {
		return nil
	}

	s.locks.Lock(taskID)
	defer s.locks.Unlock(taskID)

	doc := s.Load(taskID)
	doc[keyTaskID] = taskID

	if env.Stage == StructureStage && env.PlannedFiles != nil {
		doc[keyPlannedFiles] = env.PlannedFiles
	}
	if env.Stage == PlanStage && len(env.Criteria) > 0 {
		doc[keyCriteria] = env.Criteria
	}
	if env.Metadata != nil {
		meta, _ := doc[keyStageMetadata].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		meta[strconv.Itoa(env.Stage)] = env.Metadata
		doc[keyStageMetadata] = meta
	}

	return s.save(taskID, doc)
}

// Criteria returns the persisted success criteria for taskID, dropping
// malformed entries. It returns nil when none are stored.
func (s *Store) Criteria(taskID int) []criteria.Criterion {
	raw, ok := s.Load(taskID)[keyCriteria].([]any)
	if !ok {
		return nil
	}
	var out []criteria.Criterion
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := obj["kind"].(string)
		value, ok := obj["value"].(string)
		if !ok || !criteria.Kind(kind).Valid() {
			continue
		}
		out = append(out, criteria.Criterion{Kind: criteria.Kind(kind), Value: value})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// PlannedFiles returns the trimmed, non-empty planned files for taskID.
func (s *Store) PlannedFiles(taskID int) []string {
	raw, ok := s.Load(taskID)[keyPlannedFiles].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if str, ok := item.(string); ok {
			if trimmed := strings.TrimSpace(str); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// StageMetadata returns the metadata stored for one stage, if any.
func (s *Store) StageMetadata(taskID, stage int) map[string]any {
	meta, _ := s.Load(taskID)[keyStageMetadata].(map[string]any)
	entry, _ := meta[strconv.Itoa(stage)].(map[string]any)
	return entry
}

func (s *Store) save(taskID int, doc map[string]any) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task %d state: %w", taskID, err)
	}
	data = append(data, '\n')
	if err := writeAtomic(s.Path(taskID), data); err != nil {
		return fmt.Errorf("failed to write task %d state: %w", taskID, err)
	}
	return nil
}

// writeAtomic writes content to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".kern-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
