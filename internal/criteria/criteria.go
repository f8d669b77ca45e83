// Package criteria defines the typed success criteria a plan attaches to a task.
package criteria

// Kind identifies how a criterion is checked against the repository.
type Kind string

const (
	FileExists      Kind = "file_exists"
	FileContains    Kind = "file_contains"
	FileNotContains Kind = "file_not_contains"
	CommandSucceeds Kind = "command_succeeds"
	GitDiffIncludes Kind = "git_diff_includes"
)

// Kinds lists every known criterion kind in a stable order.
var Kinds = []Kind{FileExists, FileContains, FileNotContains, CommandSucceeds, GitDiffIncludes}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Critical reports whether a failing check of this kind blocks the soft gate.
// git_diff_includes is advisory only.
func (k Kind) Critical() bool {
	switch k {
	case FileExists, FileContains, FileNotContains, CommandSucceeds:
		return true
	}
	return false
}

// Criterion is one checkable condition produced by the plan stage.
type Criterion struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Label renders the criterion the way it appears in handoff documents and reports.
func (c Criterion) Label() string {
	return string(c.Kind) + ": " + c.Value
}

// Dedupe drops repeated (kind, value) pairs, keeping the first occurrence.
func Dedupe(in []Criterion) []Criterion {
	seen := make(map[Criterion]struct{}, len(in))
	out := make([]Criterion, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
