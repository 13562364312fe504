package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primary    = lipgloss.Color("#7C3AED")
	danger     = lipgloss.Color("#EF4444")
	mutedColor = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primary).
			MarginTop(1)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primary).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	highRiskStyle = cellStyle.Foreground(danger).Bold(true)
)

// renderTable draws rows under headers. highlight receives the zero-based
// index into rows and marks rows drawn in the high-risk style; it may be nil.
func renderTable(headers []string, rows [][]string, highlight func(row int) bool) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case highlight != nil && highlight(row-(table.HeaderRow+1)):
				return highRiskStyle
			default:
				return cellStyle
			}
		})
	return t.String()
}
