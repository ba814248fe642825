package brain

import (
	"time"

	"github.com/surge-downloader/partdl/internal/engine/events"
	"github.com/surge-downloader/partdl/internal/engine/types"
)

// Notifier is told about every item that completes.
type Notifier interface {
	Notify(item *types.DownloadItem, elapsed time.Duration)
}

// EventNotifier publishes a DownloadCompleteMsg on a progress channel.
type EventNotifier struct {
	Ch chan<- any
}

func (n EventNotifier) Notify(item *types.DownloadItem, elapsed time.Duration) {
	if n.Ch == nil {
		return
	}
	msg := events.DownloadCompleteMsg{
		ItemID:   item.ID,
		Filename: item.Name,
		Folder:   item.Folder,
		Elapsed:  elapsed,
		Total:    item.TotalSize(),
	}
	select {
	case n.Ch <- msg:
	default:
	}
}
