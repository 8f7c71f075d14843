package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/orchestrator"
)

var (
	workerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	activeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	permStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	summaryHeading = lipgloss.NewStyle().Bold(true).Underline(true)
)

func statusStyle(s ipcprotocol.WorkerStatus) lipgloss.Style {
	switch s {
	case ipcprotocol.StatusComplete:
		return successStyle
	case ipcprotocol.StatusFailed:
		return failStyle
	case ipcprotocol.StatusCancelled:
		return warnStyle
	case ipcprotocol.StatusStarting, ipcprotocol.StatusIdle:
		return dimStyle
	default:
		return activeStyle
	}
}

// renderEvent formats one orchestrator event as a single line. Events that
// are too chatty for the terminal return "".
func renderEvent(ev orchestrator.Event) string {
	prefix := workerStyle.Render("[" + ev.Worker() + "]")
	switch e := ev.(type) {
	case orchestrator.WorkerSpawned:
		return fmt.Sprintf("%s spawned on %s (pid %d)", prefix, e.State.Config.Branch, e.State.PID)
	case orchestrator.WorkerStatusChanged:
		if e.From == e.To {
			return ""
		}
		line := fmt.Sprintf("%s %s", prefix, statusStyle(e.To).Render(string(e.To)))
		if e.State.CurrentTool != "" {
			line += " " + e.State.CurrentTool
		}
		if e.State.Progress > 0 {
			line += dimStyle.Render(fmt.Sprintf(" %d%%", e.State.Progress))
		}
		return line
	case orchestrator.WorkerLogged:
		if e.Level == "debug" {
			return ""
		}
		return fmt.Sprintf("%s %s", prefix, dimStyle.Render(firstLine(e.Content)))
	case orchestrator.PermissionRequested:
		return fmt.Sprintf("%s %s %s", prefix, permStyle.Render("permission requested:"), e.Confirmation.ToolName)
	case orchestrator.WorkerRestarted:
		return fmt.Sprintf("%s %s (%s)", prefix, warnStyle.Render(fmt.Sprintf("restart #%d", e.RestartCount)), e.Cause)
	case orchestrator.WorkerFinished:
		line := fmt.Sprintf("%s %s", prefix, statusStyle(e.Result.Status).Render(string(e.Result.Status)))
		if e.Result.Error != "" {
			line += " " + e.Result.Error
		}
		return line
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// printSummary writes the result table of a delegate run.
func printSummary(out io.Writer, results []domain.WorkerResult) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, summaryHeading.Render("Summary"))
	if len(results) == 0 {
		fmt.Fprintln(out, "No workers finished")
		return
	}

	// status goes last: escape codes would throw off the column widths
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tBRANCH\tDURATION\tTOKENS\tCOMMITS\tRESTARTS\tSTATUS")
	var failed int
	for _, r := range results {
		if !r.Success {
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.WorkerID, r.Branch, r.Duration.Round(time.Second), r.TokensUsed, r.Commits, r.RestartCount,
			statusStyle(r.Status).Render(string(r.Status)))
	}
	w.Flush()

	for _, r := range results {
		switch {
		case r.PRURL != "":
			fmt.Fprintf(out, "%s %s\n", workerStyle.Render(r.WorkerID), r.PRURL)
		case r.Error != "":
			fmt.Fprintf(out, "%s %s\n", workerStyle.Render(r.WorkerID), failStyle.Render(r.Error))
		}
	}
	fmt.Fprintf(out, "\n%d succeeded, %d failed\n", len(results)-failed, failed)
}
