package tui

import "github.com/charmbracelet/lipgloss"

// ClawDesk Logo 像素字
var logoLeft = []string{
	"                     ",
	"█▀▀▀ █    █▀▀█ █   █ ",
	"█    █    █▀▀█ █ █ █ ",
	"▀▀▀▀ ▀▀▀▀ ▀  ▀ ▀▀▀▀▀ ",
}

var logoRight = []string{
	"                   ",
	"█▀▀▄ █▀▀▀ █▀▀▀ █  █",
	"█  █ █▀▀  ▀▀▀█ █▀▀▄",
	"▀▀▀  ▀▀▀▀ ▀▀▀▀ ▀  ▀",
}

// 渲染 Logo
func renderLogo(width int) string {
	theme := getTheme()
	var result string

	for i := range logoLeft {
		left := lipgloss.NewStyle().Foreground(theme.textMuted).Render(logoLeft[i])
		right := lipgloss.NewStyle().Foreground(theme.text).Bold(true).Render(logoRight[i])
		line := left + " " + right
		// 居中
		padding := (width - lipgloss.Width(line)) / 2
		if padding > 0 {
			line = lipgloss.NewStyle().PaddingLeft(padding).Render(line)
		}
		result += line + "\n"
	}
	return result
}

// 小型 Logo（用于 footer）
func renderMiniLogo() string {
	theme := getTheme()
	return lipgloss.NewStyle().Foreground(theme.textMuted).Render("claw") +
		lipgloss.NewStyle().Foreground(theme.text).Bold(true).Render("desk")
}
