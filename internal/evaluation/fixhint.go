package evaluation

import (
	"strings"

	"github.com/aristath/kern/internal/validation"
)

const fixHintHeader = "Fix critical validation failures before commit."

// FixHint builds the hint handed to the retried implement stage. It lists the
// failed critical checks with their details, then every advisory, and keeps
// the operator's original hint in front.
func FixHint(base string, result validation.Result, it Iteration) string {
	lines := []string{fixHintHeader}
	for _, check := range result.Checks {
		if !check.Passed && check.Kind.Critical() {
			lines = append(lines, check.Criterion+" :: "+check.Details)
		}
	}
	for _, advisory := range it.Advisories {
		lines = append(lines, "Advisory: "+advisory)
	}

	merged := strings.Join(lines, "\n")
	if strings.TrimSpace(base) != "" {
		return base + "\n" + merged
	}
	return merged
}
