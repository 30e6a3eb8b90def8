package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Color palette (inspired by OpenClaw's Lobster palette)
var (
	colorAccent  = lipgloss.Color("#38BDF8")
	colorSuccess = lipgloss.Color("#2FBF71")
	colorWarn    = lipgloss.Color("#FFB020")
	colorError   = lipgloss.Color("#E23D2D")
	colorMuted   = lipgloss.Color("#8B7F77")
)

// Styles
var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	styleWarn = lipgloss.NewStyle().
			Foreground(colorWarn)

	styleError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorMuted)
)

// printSuccess prints a success message
func printSuccess(w io.Writer, message string) {
	fmt.Fprintln(w, styleSuccess.Render("✅ "+message))
}

// printWarning prints a warning message
func printWarning(w io.Writer, message string) {
	fmt.Fprintln(w, styleWarn.Render("⚠️  "+message))
}

// printNote prints a muted note under an optional title
func printNote(w io.Writer, message, title string) {
	if title != "" {
		fmt.Fprintln(w, styleTitle.Render(title))
	}
	fmt.Fprintln(w, styleMuted.Render(message))
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "connected":
		return styleSuccess
	case "error":
		return styleError
	case "connecting", "waiting":
		return styleWarn
	default:
		return styleMuted
	}
}
