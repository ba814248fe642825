package types

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ItemType distinguishes plain downloads from split audio/video items.
type ItemType string

const (
	TypeNormal ItemType = "normal"
	TypeAudio  ItemType = "audio"
	TypeVideo  ItemType = "video"
	TypeDash   ItemType = "dash"
)

// Protocol values understood by the engine.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
	ProtocolHLS   = "hls"
	ProtocolDash  = "dash"
)

// IsFragmented reports whether protocol needs manifest resolution.
func IsFragmented(protocol string) bool {
	switch strings.ToLower(protocol) {
	case ProtocolHLS, "m3u8", "m3u8_native":
		return true
	}
	return false
}

// PostAction is run after an item completes successfully.
type PostAction int

const (
	PostActionNone PostAction = iota
	PostActionUnzipFFmpeg
)

func (p PostAction) String() string {
	switch p {
	case PostActionUnzipFFmpeg:
		return "unzip_ffmpeg"
	default:
		return "none"
	}
}

// ParsePostAction maps a stored name back to a PostAction.
func ParsePostAction(s string) PostAction {
	if s == PostActionUnzipFFmpeg.String() {
		return PostActionUnzipFFmpeg
	}
	return PostActionNone
}

// Audio companion states
const (
	audioWaiting int32 = iota
	audioReady
)

type speedSample struct {
	at         time.Time
	downloaded int64
}

// DownloadItem is one user-requested download and the state shared by the
// Brain, ThreadManager, FileManager and workers during a run.
type DownloadItem struct {
	ID          int
	UID         string
	URL         string
	EffURL      string
	Name        string
	Folder      string
	Resumable   bool
	Protocol    string
	Type        ItemType
	PartSize    int64
	ScheduledAt time.Time
	PostAction  PostAction
	CreatedAt   time.Time

	// Fragments is filled by manifest resolution for fragmented protocols.
	Fragments []Fragment

	// DASH audio companion
	AudioURL       string
	AudioSize      int64
	AudioFragments []Fragment

	// fieldsMu guards the exported fields above once the item is shared
	// between goroutines: writers go through Edit, readers on other
	// goroutines through Record.
	fieldsMu sync.RWMutex

	mu             sync.RWMutex
	size           int64
	status         Status
	segments       []*Segment
	maxConns       int
	liveConns      int
	remainingParts int
	speed          float64
	samples        []speedSample
	lastSample     time.Time
	logs           []string
	audioState     int32
	audioItem      *DownloadItem
	jobs           chan *Segment
	serverErrors   chan int
	onStatus       func(item *DownloadItem, from, to Status)
	onLog          func(item *DownloadItem, line string)

	dlMu       sync.Mutex
	downloaded int64
}

// NewDownloadItem creates a pending item with a fresh UID.
func NewDownloadItem(url, folder, name string, size int64) *DownloadItem {
	return &DownloadItem{
		UID:          uuid.New().String(),
		URL:          url,
		EffURL:       url,
		Name:         name,
		Folder:       folder,
		Protocol:     ProtocolHTTP,
		Type:         TypeNormal,
		CreatedAt:    time.Now(),
		size:         size,
		status:       StatusPending,
		maxConns:     DefaultMaxConnections,
		serverErrors: make(chan int, ServerErrorBuffer),
	}
}

// Num is the 1-based display number.
func (d *DownloadItem) Num() int { return d.ID + 1 }

// SourceURL is the URL workers fetch for byte-range segments.
func (d *DownloadItem) SourceURL() string {
	if d.EffURL != "" {
		return d.EffURL
	}
	return d.URL
}

func (d *DownloadItem) TargetPath() string { return filepath.Join(d.Folder, d.Name) }
func (d *DownloadItem) TempFile() string   { return d.TargetPath() + IncompleteSuffix }
func (d *DownloadItem) TempFolder() string {
	return filepath.Join(d.Folder, "."+d.Name+PartsSuffix)
}

// AudioFile is where the DASH audio companion is assembled before merging.
func (d *DownloadItem) AudioFile() string {
	ext := filepath.Ext(d.Name)
	stem := strings.TrimSuffix(d.Name, ext)
	return filepath.Join(d.Folder, "."+stem+AudioPartSuffix+ext)
}

// PartSuffix is appended to part-file names of this item.
func (d *DownloadItem) PartSuffix() string {
	if d.Type == TypeAudio {
		return AudioPartSuffix
	}
	return ""
}

// IsDash reports whether the item has a separate audio stream to merge.
func (d *DownloadItem) IsDash() bool {
	d.fieldsMu.RLock()
	defer d.fieldsMu.RUnlock()
	return d.AudioURL != "" || len(d.AudioFragments) > 0
}

// Record is a consistent copy of the item's persisted descriptive fields.
type Record struct {
	URL         string
	EffURL      string
	Resumable   bool
	Protocol    string
	PartSize    int64
	AudioURL    string
	AudioSize   int64
	PostAction  PostAction
	ScheduledAt time.Time
}

// Edit runs fn with the exported fields locked for writing. fn must only
// assign fields; calling item methods from it deadlocks.
func (d *DownloadItem) Edit(fn func(it *DownloadItem)) {
	d.fieldsMu.Lock()
	defer d.fieldsMu.Unlock()
	fn(d)
}

// Record snapshots the exported fields for readers running beside an Edit.
func (d *DownloadItem) Record() Record {
	d.fieldsMu.RLock()
	defer d.fieldsMu.RUnlock()
	return Record{
		URL:         d.URL,
		EffURL:      d.EffURL,
		Resumable:   d.Resumable,
		Protocol:    d.Protocol,
		PartSize:    d.PartSize,
		AudioURL:    d.AudioURL,
		AudioSize:   d.AudioSize,
		PostAction:  d.PostAction,
		ScheduledAt: d.ScheduledAt,
	}
}

// ---- status ----

func (d *DownloadItem) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Transition moves the item to status to when the state machine allows it.
func (d *DownloadItem) Transition(to Status) error {
	d.mu.Lock()
	from := d.status
	if from == to {
		d.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	d.status = to
	hook := d.onStatus
	d.mu.Unlock()

	if hook != nil {
		hook(d, from, to)
	}
	return nil
}

// RestoreStatus sets the status without validation. Used when loading
// items from the registry.
func (d *DownloadItem) RestoreStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// OnStatusChange registers a hook called after every successful transition.
func (d *DownloadItem) OnStatusChange(fn func(item *DownloadItem, from, to Status)) {
	d.mu.Lock()
	d.onStatus = fn
	d.mu.Unlock()
}

// ---- size & segments ----

func (d *DownloadItem) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

func (d *DownloadItem) SetSize(n int64) {
	d.mu.Lock()
	d.size = n
	d.mu.Unlock()
}

// Segments returns the current segment plan.
func (d *DownloadItem) Segments() []*Segment {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.segments
}

// SetSegments installs a new plan and sizes the requeue channel to fit it.
func (d *DownloadItem) SetSegments(segs []*Segment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.segments = segs
	d.jobs = make(chan *Segment, len(segs)+1)
	d.remainingParts = len(segs)
}

// TotalSize is the known size, or an estimate from segment sizes when the
// server did not report one.
func (d *DownloadItem) TotalSize() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.size > 0 {
		return d.size
	}

	var known int64
	var knownCount, unknownCount int
	for _, s := range d.segments {
		if !s.Merge {
			continue
		}
		if n := s.Size(); n > 0 {
			known += n
			knownCount++
		} else {
			unknownCount++
		}
	}
	if knownCount == 0 {
		return 0
	}
	return known + known/int64(knownCount)*int64(unknownCount)
}

// ---- downloaded counter ----

func (d *DownloadItem) Downloaded() int64 {
	d.dlMu.Lock()
	defer d.dlMu.Unlock()
	return d.downloaded
}

// AddDownloaded adds n (possibly negative) bytes and clamps the result at zero.
func (d *DownloadItem) AddDownloaded(n int64) {
	d.dlMu.Lock()
	d.downloaded = max(d.downloaded+n, 0)
	d.dlMu.Unlock()
}

// SetDownloaded overwrites the counter, clamping negatives to zero.
func (d *DownloadItem) SetDownloaded(n int64) {
	d.dlMu.Lock()
	d.downloaded = max(n, 0)
	d.dlMu.Unlock()
}

// Progress is a percentage held at 99 until the item is completed.
func (d *DownloadItem) Progress() float64 {
	if d.Status() == StatusCompleted {
		return 100
	}
	total := d.TotalSize()
	if total <= 0 {
		return 0
	}
	p := float64(d.Downloaded()) * 100 / float64(total)
	return min(p, 99)
}

// ---- speed ----

// UpdateSpeed records a throughput sample when at least one sample interval
// has passed and recomputes the smoothed speed over the last samples.
func (d *DownloadItem) UpdateSpeed(now time.Time, alpha float64) {
	downloaded := d.Downloaded()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.lastSample.IsZero() && now.Sub(d.lastSample) < SpeedSampleInterval {
		return
	}
	d.lastSample = now
	d.samples = append(d.samples, speedSample{at: now, downloaded: downloaded})
	if len(d.samples) > SpeedSamples {
		d.samples = d.samples[len(d.samples)-SpeedSamples:]
	}
	if len(d.samples) < 2 {
		d.speed = 0
		return
	}

	speed := 0.0
	for i := 1; i < len(d.samples); i++ {
		prev, cur := d.samples[i-1], d.samples[i]
		elapsed := cur.at.Sub(prev.at).Seconds()
		if elapsed <= 0 {
			continue
		}
		rate := max(float64(cur.downloaded-prev.downloaded)/elapsed, 0)
		if i == 1 {
			speed = rate
		} else {
			speed = alpha*rate + (1-alpha)*speed
		}
	}
	d.speed = speed
}

// ResetSpeed drops the sample window, e.g. at the start of a run.
func (d *DownloadItem) ResetSpeed() {
	d.mu.Lock()
	d.samples = nil
	d.lastSample = time.Time{}
	d.speed = 0
	d.mu.Unlock()
}

func (d *DownloadItem) Speed() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.speed
}

// TimeLeft estimates the remaining duration, 0 when unknown.
func (d *DownloadItem) TimeLeft() time.Duration {
	speed := d.Speed()
	total := d.TotalSize()
	if speed <= 0 || total <= 0 {
		return 0
	}
	remaining := max(total-d.Downloaded(), 0)
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}

// ---- connections ----

func (d *DownloadItem) MaxConnections() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxConns
}

func (d *DownloadItem) SetMaxConnections(n int) {
	d.mu.Lock()
	d.maxConns = max(n, 1)
	d.mu.Unlock()
}

// DecreaseMaxConnections lowers the connection cap by one, never below one.
func (d *DownloadItem) DecreaseMaxConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxConns = max(d.maxConns-1, 1)
	return d.maxConns
}

func (d *DownloadItem) LiveConnections() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.liveConns
}

func (d *DownloadItem) RemainingParts() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remainingParts
}

// ReportWorkers is called by the ThreadManager every poll cycle.
func (d *DownloadItem) ReportWorkers(live, remaining int) {
	d.mu.Lock()
	d.liveConns = live
	d.remainingParts = remaining
	d.mu.Unlock()
}

// ---- channels ----

// Requeue hands a failed segment back to the ThreadManager.
func (d *DownloadItem) Requeue(seg *Segment) bool {
	d.mu.RLock()
	jobs := d.jobs
	d.mu.RUnlock()
	if jobs == nil {
		return false
	}
	select {
	case jobs <- seg:
		return true
	default:
		return false
	}
}

// DrainJobs returns every requeued segment waiting in the job queue.
func (d *DownloadItem) DrainJobs() []*Segment {
	d.mu.RLock()
	jobs := d.jobs
	d.mu.RUnlock()

	var out []*Segment
	for {
		select {
		case seg := <-jobs:
			out = append(out, seg)
		default:
			return out
		}
	}
}

// QueuedJobs is the number of requeued segments not yet picked up.
func (d *DownloadItem) QueuedJobs() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.jobs)
}

// ReportServerError publishes an HTTP status code for the Brain. The send
// never blocks; excess errors are dropped when the buffer is full.
func (d *DownloadItem) ReportServerError(code int) {
	select {
	case d.serverErrors <- code:
	default:
	}
}

// ServerErrors is read by the Brain's escalation policy.
func (d *DownloadItem) ServerErrors() <-chan int { return d.serverErrors }

// ---- log ----

// AppendLog adds a line to the item's human-readable log.
func (d *DownloadItem) AppendLog(format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().Format(time.TimeOnly), fmt.Sprintf(format, args...))
	d.mu.Lock()
	d.logs = append(d.logs, line)
	hook := d.onLog
	d.mu.Unlock()

	if hook != nil {
		hook(d, line)
	}
}

// OnLog registers a hook called with every appended log line.
func (d *DownloadItem) OnLog(fn func(item *DownloadItem, line string)) {
	d.mu.Lock()
	d.onLog = fn
	d.mu.Unlock()
}

func (d *DownloadItem) Logs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.logs...)
}

// ---- DASH audio companion ----

// AudioItem returns the synthetic audio-only item downloaded before the
// merge step. The same instance is returned on every call.
func (d *DownloadItem) AudioItem() *DownloadItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.audioItem != nil {
		return d.audioItem
	}
	d.fieldsMu.RLock()
	defer d.fieldsMu.RUnlock()

	a := NewDownloadItem(d.AudioURL, d.Folder, filepath.Base(d.AudioFile()), d.AudioSize)
	a.ID = d.ID
	a.UID = d.UID + AudioPartSuffix
	a.Type = TypeAudio
	a.Protocol = d.Protocol
	a.Resumable = d.Resumable
	a.PartSize = d.PartSize
	a.Fragments = d.AudioFragments
	a.maxConns = d.maxConns
	if len(d.AudioFragments) == 0 && IsFragmented(d.Protocol) {
		a.Protocol = ProtocolHTTP
	}
	d.audioItem = a
	return a
}

// MarkAudioReady signals the FileManager that the audio companion is on disk.
func (d *DownloadItem) MarkAudioReady() {
	d.mu.Lock()
	d.audioState = audioReady
	d.mu.Unlock()
}

func (d *DownloadItem) AudioReady() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.audioState == audioReady
}

// Reset prepares a completed item for a full restart.
func (d *DownloadItem) Reset() {
	for _, s := range d.Segments() {
		s.Reset()
	}
	d.SetDownloaded(0)
	d.ResetSpeed()

	d.mu.Lock()
	d.segments = nil
	d.jobs = nil
	d.audioState = audioWaiting
	d.audioItem = nil
	d.remainingParts = 0
	d.liveConns = 0
	d.mu.Unlock()
}
