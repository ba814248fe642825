package events

import (
	"time"

	"github.com/surge-downloader/partdl/internal/engine/types"
)

// ProgressMsg is a periodic snapshot of a running item.
type ProgressMsg struct {
	ItemID            int
	Name              string
	Status            types.Status
	Downloaded        int64
	Total             int64
	Progress          float64
	Speed             float64 // bytes per second
	TimeLeft          time.Duration
	ActiveConnections int
	RemainingParts    int
}

// DownloadStartedMsg is sent when the Brain begins a run.
type DownloadStartedMsg struct {
	ItemID   int
	URL      string
	Filename string
	Total    int64
	DestPath string
}

// DownloadCompleteMsg signals that the item finished successfully.
type DownloadCompleteMsg struct {
	ItemID   int
	Filename string
	Folder   string
	Elapsed  time.Duration
	Total    int64
}

// DownloadErrorMsg signals that the item stopped in the error state.
type DownloadErrorMsg struct {
	ItemID int
	Err    error
}

// StatusChangedMsg is emitted for every status transition.
type StatusChangedMsg struct {
	ItemID int
	From   types.Status
	To     types.Status
}

// LogMsg carries one line of an item's log.
type LogMsg struct {
	ItemID int
	Line   string
}
