package tui

import "time"

const (
	TickInterval = 200 * time.Millisecond

	// Layout
	DefaultWidth           = 80
	MinBarWidth            = 10
	ProgressBarWidthOffset = 36 // room for percent, speed and ETA beside the bar
	NameWidthOffset        = 30
)
