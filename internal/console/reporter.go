package console

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/kern/internal/events"
)

// Reporter prints one line per finished stage, evaluation, terminal task
// state, and run summary.
type Reporter struct {
	w      io.Writer
	styles Styles
}

// NewReporter creates a Reporter writing to w. Colour is used only when w is
// a terminal.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w, styles: NewStyles(lipgloss.NewRenderer(w))}
}

// Run renders events until ch is closed.
func (r *Reporter) Run(ch <-chan events.Event) {
	for ev := range ch {
		if line := r.Render(ev); line != "" {
			fmt.Fprintln(r.w, line)
		}
	}
}

// Render formats a single event, or returns "" for events that are not shown.
func (r *Reporter) Render(ev events.Event) string {
	s := r.styles
	switch e := ev.(type) {
	case events.StageFinishedEvent:
		detail := formatDuration(e.Duration)
		if e.CostUSD != nil {
			detail += fmt.Sprintf(", $%.4f", *e.CostUSD)
		}
		if e.Success {
			return fmt.Sprintf("  %s Stage %d %s %s", s.Complete.Render("✓"), e.Stage, e.Name, s.Help.Render("("+detail+")"))
		}
		return fmt.Sprintf("  %s Stage %d %s %s: %s", s.Failed.Render("✗"), e.Stage, e.Name, s.Help.Render("("+detail+")"), e.Error)

	case events.EvaluatedEvent:
		verdict := s.Complete.Render("passed")
		if !e.PassedSoftGate {
			verdict = s.Failed.Render("failed")
		}
		line := fmt.Sprintf("  score %d/100 attempt %d: soft gate %s", e.Score, e.Attempt, verdict)
		if len(e.CriticalFailures) > 0 {
			line += "\n" + s.Pending.Render("    - "+strings.Join(e.CriticalFailures, "\n    - "))
		}
		return line

	case events.TaskStateEvent:
		switch e.To {
		case events.StateCompleted:
			return fmt.Sprintf("%s task %s", s.Complete.Render("completed"), e.TaskID())
		case events.StateSkipped:
			return fmt.Sprintf("%s task %s", s.Pending.Render("skipped"), e.TaskID())
		case events.StateRetrying:
			return fmt.Sprintf("%s task %s", s.Running.Render("retrying"), e.TaskID())
		case events.StateFailed:
			return fmt.Sprintf("%s task %s: %s", s.Failed.Render("failed"), e.TaskID(), e.Reason)
		}
		return ""

	case events.RunFinishedEvent:
		status := s.Complete.Render("ok")
		if e.ExitCode != 0 {
			status = s.Failed.Render(fmt.Sprintf("exit %d", e.ExitCode))
		}
		return fmt.Sprintf("%s %s: %d task(s) completed in %s",
			s.Title.Render("kern run "+e.RunID), status, e.Completed, formatDuration(e.Duration))
	}
	return ""
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
