// Package evaluation compresses a validation pass into a single 0-100 score
// and a soft-gate verdict.
//
// The score is additive:
//
//	critical  50  passing share of file_exists/file_contains/file_not_contains/command_succeeds
//	command   20  passing share of command_succeeds alone
//	scope     20  share of changed files covered by the planned files
//	contract  10  zero as soon as any contract failure is reported
//
// Each term is rounded on its own (half to even). Only critical failures block
// the soft gate; advisories are informational.
package evaluation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aristath/kern/internal/criteria"
	"github.com/aristath/kern/internal/validation"
)

const (
	criticalPoints = 50
	commandPoints  = 20
	scopePoints    = 20
	contractPoints = 10

	// RegressionThreshold is the score drop against the previous attempt that
	// raises a regression advisory.
	RegressionThreshold = 15

	maxDriftFiles = 8

	// TimestampFormat is the layout of Iteration.TimestampUTC.
	TimestampFormat = "2006-01-02T15:04:05Z"
)

// Input carries everything one evaluation needs.
type Input struct {
	TaskID           int
	Attempt          int
	Validation       validation.Result
	ChangedFiles     []string
	PlannedFiles     []string
	ContractFailures []string
	PreviousScore    *int
}

// Iteration is the scored outcome of one implement attempt.
type Iteration struct {
	TaskID           int      `json:"task_id"`
	Attempt          int      `json:"attempt"`
	Score            int      `json:"score"`
	CriticalFailures []string `json:"critical_failures"`
	Advisories       []string `json:"advisories"`
	PassedSoftGate   bool     `json:"passed_soft_gate"`
	TimestampUTC     string   `json:"timestamp_utc"`
}

// Evaluate scores in using the current time.
func Evaluate(in Input) Iteration {
	return EvaluateAt(in, time.Now())
}

// EvaluateAt scores in, stamping the result with now.
func EvaluateAt(in Input, now time.Time) Iteration {
	criticalFailures := []string{}
	advisories := []string{}

	var critTotal, critPassed, cmdTotal, cmdPassed int
	for _, check := range in.Validation.Checks {
		if check.Kind.Critical() {
			critTotal++
			if check.Passed {
				critPassed++
			} else {
				criticalFailures = append(criticalFailures, check.Criterion)
			}
		}
		if check.Kind == criteria.CommandSucceeds {
			cmdTotal++
			if check.Passed {
				cmdPassed++
			}
		}
	}

	critical := share(criticalPoints, critPassed, critTotal)
	command := share(commandPoints, cmdPassed, cmdTotal)

	scope, drift := scopeScore(in.ChangedFiles, in.PlannedFiles)
	if drift != "" {
		advisories = append(advisories, drift)
	}

	contract := contractPoints
	for _, failure := range in.ContractFailures {
		criticalFailures = append(criticalFailures, "contract: "+failure)
	}
	if len(in.ContractFailures) > 0 {
		contract = 0
	}

	for _, check := range in.Validation.Checks {
		if check.Kind == criteria.GitDiffIncludes && !check.Passed {
			advisories = append(advisories, "git_diff_includes unmet: "+check.Details)
		}
	}

	score := clamp(critical+command+scope+contract, 0, 100)
	if in.PreviousScore != nil && *in.PreviousScore-score >= RegressionThreshold {
		advisories = append(advisories, fmt.Sprintf("score regression: previous=%d current=%d", *in.PreviousScore, score))
	}

	return Iteration{
		TaskID:           in.TaskID,
		Attempt:          in.Attempt,
		Score:            score,
		CriticalFailures: criticalFailures,
		Advisories:       advisories,
		PassedSoftGate:   len(criticalFailures) == 0,
		TimestampUTC:     now.UTC().Format(TimestampFormat),
	}
}

// share returns points scaled by passed/total, or the full points when there
// is nothing to measure.
func share(points, passed, total int) int {
	if total == 0 {
		return points
	}
	return int(math.RoundToEven(float64(points) * (float64(passed) / float64(total))))
}

func scopeScore(changed, planned []string) (int, string) {
	if len(changed) == 0 || len(planned) == 0 {
		return scopePoints, ""
	}

	var unmatched []string
	for _, path := range changed {
		if !MatchesPlan(path, planned) {
			unmatched = append(unmatched, path)
		}
	}
	if len(unmatched) == 0 {
		return scopePoints, ""
	}

	points := share(scopePoints, len(changed)-len(unmatched), len(changed))
	shown := unmatched
	if len(shown) > maxDriftFiles {
		shown = shown[:maxDriftFiles]
	}
	return points, "scope drift: changed outside plan: " + strings.Join(shown, ", ")
}

// MatchesPlan reports whether path is covered by a planned entry: an exact
// match, a planned directory ending in "/", or a planned prefix followed by "/".
func MatchesPlan(path string, planned []string) bool {
	for _, entry := range planned {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if path == entry {
			return true
		}
		if strings.HasSuffix(entry, "/") {
			if strings.HasPrefix(path, entry) {
				return true
			}
			continue
		}
		if strings.HasPrefix(path, entry+"/") {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
