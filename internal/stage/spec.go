// Package stage describes the fixed seven-stage pipeline and the prompts that
// drive each stage.
package stage

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// Stage numbers.
const (
	PopulateQueue = 0
	Research      = 1
	Design        = 2
	Structure     = 3
	Plan          = 4
	Implement     = 5
	ReviewCommit  = 6
)

// PermissionBypass lets the implement stage act without approval prompts.
const (
	PermissionDefault = "default"
	PermissionBypass  = "bypassPermissions"
)

// Spec is the immutable description of one stage.
type Spec struct {
	Number         int
	Name           string
	PromptFile     string
	DefaultModel   string
	AllowedTools   []string // nil means unrestricted
	PermissionMode string
	DependsOn      []int
}

// Unrestricted reports whether the stage may use any tool.
func (s Spec) Unrestricted() bool {
	return s.AllowedTools == nil
}

var readOnlyTools = []string{"Read", "Glob", "Grep", "LS", "TaskGet", "TaskList", "TaskUpdate", "Task"}

// Definitions returns the built-in stage table.
func Definitions() []Spec {
	return []Spec{
		{
			Number:         PopulateQueue,
			Name:           "Populate Task Queue",
			PromptFile:     "0_populate_queue.md",
			DefaultModel:   "haiku",
			AllowedTools:   []string{"Read", "Glob", "Grep", "LS", "TaskGet", "TaskList", "TaskCreate", "TaskUpdate"},
			PermissionMode: PermissionDefault,
		},
		{Number: Research, Name: "Research", PromptFile: "1_research.md", DefaultModel: "opus",
			AllowedTools: readOnlyTools, PermissionMode: PermissionDefault, DependsOn: []int{PopulateQueue}},
		{Number: Design, Name: "Design", PromptFile: "2_design.md", DefaultModel: "opus",
			AllowedTools: readOnlyTools, PermissionMode: PermissionDefault, DependsOn: []int{Research}},
		{Number: Structure, Name: "Structure", PromptFile: "3_structure.md", DefaultModel: "opus",
			AllowedTools: readOnlyTools, PermissionMode: PermissionDefault, DependsOn: []int{Design}},
		{Number: Plan, Name: "Plan", PromptFile: "4_plan.md", DefaultModel: "opus",
			AllowedTools: readOnlyTools, PermissionMode: PermissionDefault, DependsOn: []int{Structure}},
		{Number: Implement, Name: "Implement", PromptFile: "5_implement.md", DefaultModel: "opus",
			AllowedTools: nil, PermissionMode: PermissionBypass, DependsOn: []int{Plan}},
		{
			Number:         ReviewCommit,
			Name:           "Review & Commit",
			PromptFile:     "6_review_commit.md",
			DefaultModel:   "haiku",
			AllowedTools:   []string{"Read", "Glob", "Grep", "LS", "TaskGet", "TaskList", "TaskUpdate", "Bash"},
			PermissionMode: PermissionDefault,
			DependsOn:      []int{Implement},
		},
	}
}

// Table indexes stage specs by number.
type Table struct {
	specs map[int]Spec
	order []int
}

// NewTable validates specs and derives their execution order. Dependencies
// must exist, must not form a cycle, and the order must cover every stage.
func NewTable(specs []Spec) (*Table, error) {
	byNumber := make(map[int]Spec, len(specs))
	for _, s := range specs {
		if _, dup := byNumber[s.Number]; dup {
			return nil, fmt.Errorf("duplicate stage %d", s.Number)
		}
		byNumber[s.Number] = s
	}

	var edges []toposort.Edge
	for _, s := range specs {
		if len(s.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, s.Number})
			continue
		}
		for _, dep := range s.DependsOn {
			if _, ok := byNumber[dep]; !ok {
				return nil, fmt.Errorf("stage %d depends on unknown stage %d", s.Number, dep)
			}
			edges = append(edges, toposort.Edge{dep, s.Number})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("stage dependencies contain a cycle: %w", err)
	}

	order := make([]int, 0, len(specs))
	for _, n := range sorted {
		if n != nil {
			order = append(order, n.(int))
		}
	}
	if len(order) != len(specs) {
		return nil, fmt.Errorf("stage order covers %d of %d stages", len(order), len(specs))
	}

	return &Table{specs: byNumber, order: order}, nil
}

// Default returns the validated built-in table.
func Default() (*Table, error) {
	return NewTable(Definitions())
}

// Get returns the spec for number.
func (t *Table) Get(number int) (Spec, bool) {
	s, ok := t.specs[number]
	return s, ok
}

// MustGet returns the spec for number and panics when it is unknown.
func (t *Table) MustGet(number int) Spec {
	s, ok := t.specs[number]
	if !ok {
		panic(fmt.Sprintf("stage %d is not defined", number))
	}
	return s
}

// Order returns stage numbers in dependency order.
func (t *Table) Order() []int {
	return append([]int(nil), t.order...)
}
