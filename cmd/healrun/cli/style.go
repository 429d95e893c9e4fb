package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusStyle = map[string]lipgloss.Style{
		"pending":   lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		"claimed":   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		"running":   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		"retrying":  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"succeeded": lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		"failed":    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// cell pads s to width before styling so ANSI codes do not break alignment.
func cell(style lipgloss.Style, s string, width int) string {
	return style.Render(fmt.Sprintf("%-*s", width, truncate(s, width)))
}

func styledStatus(status string, width int) string {
	st, ok := statusStyle[status]
	if !ok {
		st = lipgloss.NewStyle()
	}
	return cell(st, status, width)
}

// table renders rows under a bold header with fixed column widths.
func table(widths []int, header []string, rows [][]string) string {
	var b strings.Builder
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = cell(headerStyle, h, widths[i])
	}
	b.WriteString(strings.Join(cols, " "))
	b.WriteByte('\n')
	total := len(widths) - 1
	for _, w := range widths {
		total += w
	}
	b.WriteString(dimStyle.Render(strings.Repeat("-", total)))
	b.WriteByte('\n')
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				b.WriteByte(' ')
			}
			if i == len(row)-1 {
				b.WriteString(v)
			} else {
				b.WriteString(padStyled(v, widths[i]))
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// padStyled pads a possibly styled value to width using its visible width.
func padStyled(v string, width int) string {
	if w := lipgloss.Width(v); w < width {
		return v + strings.Repeat(" ", width-w)
	}
	return v
}

func kv(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-16s", label)) + value
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
