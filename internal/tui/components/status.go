package components

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/tui/colors"
)

type statusInfo struct {
	icon  string
	label string
	color lipgloss.Color
}

var statusMap = map[types.Status]statusInfo{
	types.StatusPending:      {"⋯", "Queued", colors.StatePaused},
	types.StatusDownloading:  {"⬇", "Downloading", colors.StateDownloading},
	types.StatusMergingAudio: {"⧉", "Merging", colors.StateMerging},
	types.StatusPaused:       {"⏸", "Paused", colors.StatePaused},
	types.StatusCompleted:    {"✔", "Completed", colors.StateDone},
	types.StatusCancelled:    {"⊘", "Cancelled", colors.Gray},
	types.StatusError:        {"✖", "Error", colors.StateError},
}

// StatusLabel returns the display label for s.
func StatusLabel(s types.Status) string {
	if info, ok := statusMap[s]; ok {
		return info.label
	}
	return "Unknown"
}

// StatusColor returns the color used for s.
func StatusColor(s types.Status) lipgloss.Color {
	if info, ok := statusMap[s]; ok {
		return info.color
	}
	return colors.Gray
}

// RenderStatus returns the styled icon and label for s.
func RenderStatus(s types.Status) string {
	info, ok := statusMap[s]
	if !ok {
		return lipgloss.NewStyle().Foreground(colors.Gray).Render("? Unknown")
	}
	return lipgloss.NewStyle().Foreground(info.color).Render(info.icon + " " + info.label)
}
