package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Width(12)

	passStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))
)

type row struct {
	label string
	value string
}

func check(ok bool) string {
	if ok {
		return passStyle.Render("PASS")
	}
	return failStyle.Render("FAIL")
}

func renderPanel(w io.Writer, title string, rows []row) {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r.label)+" "+r.value)
	}
	body := lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), strings.Join(lines, "\n"))
	fmt.Fprintln(w, panelStyle.Render(body))
}
