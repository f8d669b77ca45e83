package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aristath/kern/internal/criteria"
)

var requiredFields = []string{"stage", "status", "task_id", "queue_empty", "skip", "summary"}

// parseEnvelope decodes and coerces the machine block. Loosely typed scalars
// (stringified ints and bools, "null"/"none" task ids) are accepted; any other
// type mismatch is reported against the offending field.
func parseEnvelope(block string) (*Envelope, *Error) {
	if strings.Contains(strings.TrimSpace(block), "\n") {
		return nil, newError(ReasonMachineLines, "Machine block must contain exactly one JSON line")
	}

	dec := json.NewDecoder(strings.NewReader(block))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, newError(ReasonMachineJSON, fmt.Sprintf("Invalid machine JSON: %v", err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, newError(ReasonMachineJSON, "Invalid machine JSON: extra data after value")
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, newError(ReasonMachineShape, "Machine block must be a JSON object")
	}

	var missing []string
	for _, name := range requiredFields {
		if _, ok := obj[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, newError(ReasonMachineShape, "Machine block missing fields: "+strings.Join(missing, ", "))
	}

	env := &Envelope{}

	stage, ok := coerceInt(obj["stage"])
	if !ok {
		return nil, fieldError("Machine field 'stage' must be an integer")
	}
	env.Stage = stage

	status, _ := obj["status"].(string)
	status = strings.ToLower(strings.TrimSpace(status))
	if status != "success" && status != "failed" {
		return nil, fieldError("Machine field 'status' must be 'success' or 'failed'")
	}
	env.Status = status

	taskID, ok := coerceTaskID(obj["task_id"])
	if !ok {
		return nil, fieldError("Machine field 'task_id' must be integer or null")
	}
	env.TaskID = taskID

	if env.QueueEmpty, ok = coerceBool(obj["queue_empty"]); !ok {
		return nil, fieldError("Machine field 'queue_empty' must be boolean")
	}
	if env.Skip, ok = coerceBool(obj["skip"]); !ok {
		return nil, fieldError("Machine field 'skip' must be boolean")
	}

	summary, _ := obj["summary"].(string)
	if strings.TrimSpace(summary) == "" {
		return nil, fieldError("Machine field 'summary' must be a non-empty string")
	}
	env.Summary = strings.TrimSpace(summary)

	if raw, present := obj["metadata"]; present && raw != nil {
		meta, ok := raw.(map[string]any)
		if !ok {
			return nil, fieldError("Machine field 'metadata' must be an object when present")
		}
		env.Metadata = meta
	}

	if raw, present := obj["planned_files"]; present && raw != nil {
		files, err := parsePlannedFiles(raw)
		if err != nil {
			return nil, err
		}
		env.PlannedFiles = files
	}

	if raw, present := obj["criteria"]; present && raw != nil {
		crit, err := parseCriteria(raw)
		if err != nil {
			return nil, err
		}
		env.Criteria = crit
	}

	return env, nil
}

func parsePlannedFiles(raw any) ([]string, *Error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fieldError("Machine field 'planned_files' must be an array of strings")
	}
	files := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fieldError("Machine field 'planned_files' must be an array of strings")
		}
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

func parseCriteria(raw any) ([]criteria.Criterion, *Error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fieldError("Machine field 'criteria' must be an array")
	}
	out := make([]criteria.Criterion, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fieldError(fmt.Sprintf("Machine criteria[%d] must be an object", i))
		}
		kind, _ := obj["kind"].(string)
		if !criteria.Kind(kind).Valid() {
			return nil, fieldError(fmt.Sprintf("Machine criteria[%d].kind is invalid", i))
		}
		value, _ := obj["value"].(string)
		if strings.TrimSpace(value) == "" {
			return nil, fieldError(fmt.Sprintf("Machine criteria[%d].value must be non-empty string", i))
		}
		out = append(out, criteria.Criterion{Kind: criteria.Kind(kind), Value: strings.TrimSpace(value)})
	}
	return out, nil
}

func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := strconv.Atoi(t.String())
		return n, err == nil
	case string:
		if !isDigits(t) {
			return 0, false
		}
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

func coerceTaskID(v any) (*int, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case json.Number:
		n, err := strconv.Atoi(t.String())
		if err != nil {
			return nil, false
		}
		return &n, true
	case string:
		lowered := strings.ToLower(strings.TrimSpace(t))
		switch {
		case isDigits(lowered):
			n, err := strconv.Atoi(lowered)
			if err != nil {
				return nil, false
			}
			return &n, true
		case lowered == "" || lowered == "none" || lowered == "null":
			return nil, true
		}
	}
	return nil, false
}

func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func fieldError(message string) *Error {
	return newError(ReasonMachineField, message)
}
