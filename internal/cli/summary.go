package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/yuriy-kovalchuk/auto-dns/internal/reconciler"
)

const (
	colorSuccess   = "#10B981"
	colorWarning   = "#F59E0B"
	colorError     = "#EF4444"
	colorSecondary = "#6B7280"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	unchangedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorSecondary))
	updatedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorSuccess))
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarning))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorError))
	cellStyle      = lipgloss.NewStyle()
)

func statusStyle(s reconciler.Status) lipgloss.Style {
	switch s {
	case reconciler.StatusUpdated:
		return updatedStyle
	case reconciler.StatusUnconfirmed:
		return warningStyle
	case reconciler.StatusFailed:
		return errorStyle
	}
	return unchangedStyle
}

// printSummary writes a one-shot cycle result as a table.
func printSummary(w io.Writer, res reconciler.CycleResult) {
	if res.ResolveErr != nil {
		fmt.Fprintln(w, errorStyle.Render("Could not resolve the public address: "+res.ResolveErr.Error()))
		return
	}
	fmt.Fprintf(w, "%s %s (via %s)\n\n", headerStyle.Render("Public address:"), res.Address.Addr, res.Address.Source)

	rows := [][]string{{"RECORD", "TYPE", "STATUS", "PREVIOUS", "VALUE", "DETAIL"}}
	styles := []lipgloss.Style{headerStyle}
	for _, o := range res.Outcomes {
		previous := "-"
		if o.Previous.Exists {
			previous = o.Previous.Value.String()
		}
		status := string(o.Status)
		if o.Reason != "" {
			status += "(" + string(o.Reason) + ")"
		}
		detail := ""
		if o.Err != nil {
			detail = o.Err.Error()
		}
		rows = append(rows, []string{o.Target.Name, o.Target.Type, status, previous, o.Value.String(), detail})
		styles = append(styles, statusStyle(o.Status))
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cellStyle.Width(widths[i] + 2).Render(cell)
		}
		fmt.Fprintln(w, styles[r].Render(strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " ")))
	}

	counts := res.Counts()
	fmt.Fprintf(w, "\n%d unchanged, %d updated, %d unconfirmed, %d failed in %s\n",
		counts[reconciler.StatusUnchanged], counts[reconciler.StatusUpdated],
		counts[reconciler.StatusUnconfirmed], counts[reconciler.StatusFailed],
		res.Duration().Round(time.Millisecond))
}
