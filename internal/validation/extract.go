package validation

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/aristath/kern/internal/criteria"
)

var criterionLineRe = regexp.MustCompile(
	`^\s*(file_exists|file_contains|file_not_contains|command_succeeds|git_diff_includes)\s*:\s*(.+)\s*$`)

// ExtractFromHandoff reads success criteria from the "## Plan" section of a
// handoff document. Only bullet items after a "- Success criteria:" marker
// count; a "- Next:" marker or the next heading ends the list.
func ExtractFromHandoff(path string) ([]criteria.Criterion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var found []criteria.Criterion
	inPlan, inCriteria := false, false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "## ") {
			inPlan = line == "## Plan"
			inCriteria = false
			continue
		}
		if !inPlan {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "- success criteria:") {
			inCriteria = true
			continue
		}
		if !inCriteria {
			continue
		}
		if strings.HasPrefix(line, "- Next:") {
			inCriteria = false
			continue
		}
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		m := criterionLineRe.FindStringSubmatch(strings.TrimSpace(line[2:]))
		if m == nil {
			continue
		}
		found = append(found, criteria.Criterion{Kind: criteria.Kind(m[1]), Value: m[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return criteria.Dedupe(found), nil
}
