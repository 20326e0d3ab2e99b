package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/phrazzld/flowbatch/internal/task"
)

// statusColors picks the colour of each status line in the summary.
var statusColors = map[task.Status]*color.Color{
	task.StatusWaiting: color.New(color.FgWhite),
	task.StatusPending: color.New(color.FgYellow),
	task.StatusQueued:  color.New(color.FgBlue),
	task.StatusDone:    color.New(color.FgGreen, color.Bold),
	task.StatusFailed:  color.New(color.FgRed, color.Bold),
	task.StatusSkipped: color.New(color.FgCyan),
}

// printSummary writes a human readable batch summary to w.
func printSummary(w io.Writer, s *task.Summary) {
	header := color.New(color.FgCyan, color.Bold)
	_, _ = header.Fprintf(w, "Batch %s\n", displayRunID(s.RunID))
	_, _ = fmt.Fprintf(w, "  %-8s %s\n", "elapsed", s.Elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "  %-8s %d\n", "total", s.Total)

	for _, status := range task.Statuses {
		n := s.Counts[status]
		if n == 0 {
			continue
		}
		c, ok := statusColors[status]
		if !ok {
			c = color.New(color.Reset)
		}
		_, _ = c.Fprintf(w, "  %-8s %d\n", status, n)
	}
	_, _ = fmt.Fprintf(w, "  %-8s %.2f\n", "credits", s.Credits)

	if s.Halted {
		_, _ = color.New(color.FgYellow).Fprintln(w, "Run halted; queued tasks resume on the next run")
	}

	if len(s.Failures) > 0 {
		red := color.New(color.FgRed)
		_, _ = red.Fprintf(w, "Failures (%d):\n", len(s.Failures))
		for _, f := range s.Failures {
			_, _ = fmt.Fprintf(w, "  - %s\n", f)
		}
	}
}

func displayRunID(id string) string {
	if id == "" {
		return "(no run)"
	}
	return id
}
