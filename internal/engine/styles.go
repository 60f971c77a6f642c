package engine

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
)

var (
	green = lipgloss.Color("#00D787")
	red   = lipgloss.Color("#FF5F87")
	amber = lipgloss.Color("#FFAF00")
	cyan  = lipgloss.Color("#5FD7FF")
	grey  = lipgloss.Color("#888888")
)

var (
	styleOK      = lipgloss.NewStyle().Foreground(green).Bold(true)
	styleFail    = lipgloss.NewStyle().Foreground(red).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(amber).Bold(true)
	styleNote    = lipgloss.NewStyle().Foreground(cyan)
	styleDim     = lipgloss.NewStyle().Foreground(grey)
	styleStrong  = lipgloss.NewStyle().Bold(true)
	styleHeading = lipgloss.NewStyle().Foreground(cyan).Bold(true)
	styleTool    = lipgloss.NewStyle().Foreground(amber)
)

const (
	defaultWidth = 80
	maxBoxWidth  = 100
)

// width is the terminal width of d.out, or defaultWidth when it is not a
// terminal.
func (d *Display) width() int {
	f, ok := d.out.(*os.File)
	if !ok || !d.interactive {
		return defaultWidth
	}
	w, _, err := term.GetSize(f.Fd())
	if err != nil || w <= 0 {
		return defaultWidth
	}
	return w
}

// box frames banners: grey for summaries, green for success, red for
// aborts and errors.
func (d *Display) box(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(border).
		Padding(0, 1).
		Width(min(d.width(), maxBoxWidth) - 2)
}
