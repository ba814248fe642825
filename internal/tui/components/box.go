package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/partdl/internal/tui/colors"
)

// RenderBox draws a rounded box of the given width with title embedded in
// the top border:
//
//	╭─ partdl ─────────── 2/3 done ─╮
//
// Content lines wider than the box are cut.
func RenderBox(title, rightTitle, content string, width int, borderColor lipgloss.Color) string {
	inner := max(width-2, 1)
	border := lipgloss.NewStyle().Foreground(borderColor)

	fill := inner - lipgloss.Width(title) - lipgloss.Width(rightTitle) - 2
	if fill < 0 {
		fill = 0
	}
	top := border.Render("╭─") + title + border.Render(strings.Repeat("─", fill)) + rightTitle + border.Render("─╮")
	bottom := border.Render("╰" + strings.Repeat("─", inner) + "╯")

	cut := lipgloss.NewStyle().MaxWidth(inner)
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines)+2)
	out = append(out, top)
	for _, line := range lines {
		line = cut.Render(line)
		if w := lipgloss.Width(line); w < inner {
			line += strings.Repeat(" ", inner-w)
		}
		out = append(out, border.Render("│")+line+border.Render("│"))
	}
	out = append(out, bottom)
	return strings.Join(out, "\n")
}

// DefaultBorderColor is the border used by the main pane.
var DefaultBorderColor = colors.NeonPink
