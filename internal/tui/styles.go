package tui

import "github.com/charmbracelet/lipgloss"

// Palette shared by all panes.
const (
	colorAccent = lipgloss.Color("62")
	colorMuted  = lipgloss.Color("240")
	colorHelp   = lipgloss.Color("241")
	colorOK     = lipgloss.Color("green")
	colorWarn   = lipgloss.Color("yellow")
	colorFail   = lipgloss.Color("red")
)

var paneBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder())

var (
	StyleFocusedBorder   = paneBorder.BorderForeground(colorAccent)
	StyleUnfocusedBorder = paneBorder.BorderForeground(colorMuted)

	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorMuted)

	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorHelp)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))

	// Terminal run banners.
	StyleBannerDone  = banner(lipgloss.Color("0"), colorOK)
	StyleBannerFatal = banner(lipgloss.Color("15"), colorFail)
)

func banner(fg, bg lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(fg).Background(bg).Bold(true).Padding(0, 1)
}

// frame draws a pane border sized to w x h, highlighted when focused.
func frame(focused bool, w, h int, content string) string {
	style := StyleUnfocusedBorder
	if focused {
		style = StyleFocusedBorder
	}
	return style.Width(w - 2).Height(h - 2).Render(content)
}
