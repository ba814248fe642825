package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/tui/colors"
	"github.com/surge-downloader/partdl/internal/tui/components"
	"github.com/surge-downloader/partdl/internal/utils"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(colors.NeonPurple).Bold(true)
	nameStyle  = lipgloss.NewStyle().Foreground(colors.White)
	dimStyle   = lipgloss.NewStyle().Foreground(colors.LightGray)
	errStyle   = lipgloss.NewStyle().Foreground(colors.StateError)
)

func (m Model) View() string {
	var b strings.Builder
	nameWidth := max(m.width-NameWidthOffset, 8)

	for i, r := range m.rows {
		if i > 0 {
			b.WriteString("\n")
		}
		size := utils.ConvertBytesToHumanReadable(r.downloaded)
		if r.total > 0 {
			size += " / " + utils.ConvertBytesToHumanReadable(r.total)
		}
		name := lipgloss.NewStyle().MaxWidth(nameWidth).Render(r.name)
		fmt.Fprintf(&b, "%s %s  %s\n",
			components.RenderStatus(r.status),
			nameStyle.Render(name),
			dimStyle.Render(size))

		stats := fmt.Sprintf("%3.0f%%", r.percent()*100)
		if r.elapsed > 0 {
			stats += "  in " + utils.FormatETA(r.elapsed)
		} else if r.status.IsActive() {
			stats += fmt.Sprintf("  %s  ETA %s  %dc", utils.FormatSpeed(r.speed), utils.FormatETA(r.eta), r.conns)
		}
		b.WriteString(m.bar.ViewAs(r.percent()) + " " + dimStyle.Render(stats))

		switch {
		case r.err != nil:
			b.WriteString("\n" + errStyle.Render("  "+r.err.Error()))
		case r.lastLog != "" && !r.status.IsActive() && r.status != types.StatusCompleted:
			b.WriteString("\n" + dimStyle.Render("  "+r.lastLog))
		}
	}
	if len(m.rows) == 0 {
		b.WriteString(dimStyle.Render("nothing to download"))
	}

	done, failed := m.Counts()
	right := dimStyle.Render(fmt.Sprintf(" %d/%d done ", done, len(m.rows)))
	if failed > 0 {
		right = errStyle.Render(fmt.Sprintf(" %d failed ", failed)) + right
	}
	box := components.RenderBox(titleStyle.Render(" partdl "), right, b.String(), m.width, components.DefaultBorderColor)

	if m.finished || m.quitting {
		return box + "\n"
	}
	return box + "\n" + dimStyle.Render(" q quit") + "\n"
}
