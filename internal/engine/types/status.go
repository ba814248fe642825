package types

import "fmt"

// Status is the lifecycle state of a DownloadItem.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDownloading  Status = "downloading"
	StatusPaused       Status = "paused"
	StatusCancelled    Status = "cancelled"
	StatusMergingAudio Status = "merging_audio"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusPaused,
	StatusCancelled,
	StatusMergingAudio,
	StatusCompleted,
	StatusError,
}

// AllowedTransitions is the item state machine. A status missing from a
// row cannot be reached from that row's key.
var AllowedTransitions = map[Status][]Status{
	StatusPending:      {StatusDownloading, StatusPaused, StatusCancelled, StatusError},
	StatusDownloading:  {StatusPaused, StatusCancelled, StatusMergingAudio, StatusCompleted, StatusError},
	StatusMergingAudio: {StatusCompleted, StatusError, StatusCancelled},
	StatusPaused:       {StatusPending, StatusDownloading, StatusCancelled},
	StatusCompleted:    {StatusPending, StatusDownloading},
	StatusError:        {StatusPending, StatusDownloading, StatusCancelled},
	StatusCancelled:    {StatusPending, StatusDownloading},
}

// CanTransition reports whether from -> to is allowed. Same-state
// transitions are always allowed and are no-ops.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored string back into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsActive reports whether the engine is working on the item.
func (s Status) IsActive() bool {
	return s == StatusDownloading || s == StatusMergingAudio
}

// IsFinished reports whether the status is terminal for a run.
func (s Status) IsFinished() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
