package colors

import "github.com/charmbracelet/lipgloss"

// Palette
var (
	NeonPurple = lipgloss.Color("#bd93f9")
	NeonPink   = lipgloss.Color("#ff79c6")
	NeonCyan   = lipgloss.Color("#8be9fd")
	DarkGray   = lipgloss.Color("#282a36")
	Gray       = lipgloss.Color("#44475a")
	LightGray  = lipgloss.Color("#a9b1d6")
	White      = lipgloss.Color("#f8f8f2")
)

// State colors
var (
	StateError       = lipgloss.Color("#ff5555")
	StatePaused      = lipgloss.Color("#ffb86c")
	StateDownloading = lipgloss.Color("#50fa7b")
	StateDone        = lipgloss.Color("#bd93f9")
	StateMerging     = lipgloss.Color("#8be9fd")
	Warning          = lipgloss.Color("#f1fa8c")
)

// Progress bar gradient
const (
	ProgressStart = "#ff79c6"
	ProgressEnd   = "#bd93f9"
)
