package brain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/surge-downloader/partdl/internal/engine"
	"github.com/surge-downloader/partdl/internal/engine/concurrent"
	"github.com/surge-downloader/partdl/internal/engine/events"
	"github.com/surge-downloader/partdl/internal/engine/ffmpeg"
	"github.com/surge-downloader/partdl/internal/engine/filemanager"
	"github.com/surge-downloader/partdl/internal/engine/limiter"
	"github.com/surge-downloader/partdl/internal/engine/manifest"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

// Registry is told when a Brain is done with its item so the next queued
// item can start.
type Registry interface {
	Release(item *types.DownloadItem)
}

// Options are the collaborators shared by every Brain of an application.
type Options struct {
	Client   *http.Client
	Runtime  *types.RuntimeConfig
	Hosts    *limiter.Registry
	Resolver manifest.Resolver
	Merger   ffmpeg.Merger
	Notifier Notifier
	Registry Registry
	Progress chan<- any
}

// Brain drives one item through a run: it plans segments, starts the
// ThreadManager and FileManager, watches the status and reacts to server
// errors until the run ends.
type Brain struct {
	item *types.DownloadItem
	opts Options
	esc  *Escalation
	err  error // set by fail
}

// New returns a Brain for item. Missing collaborators get defaults built
// from opts.Runtime.
func New(item *types.DownloadItem, opts Options) *Brain {
	if opts.Client == nil {
		opts.Client = engine.NewHTTPClient(opts.Runtime)
	}
	if opts.Hosts == nil {
		opts.Hosts = limiter.NewRegistry()
	}
	if opts.Resolver == nil {
		opts.Resolver = manifest.NewHLSResolver(opts.Client, opts.Runtime.GetUserAgent())
	}
	if opts.Merger == nil {
		opts.Merger = ffmpeg.New(opts.Runtime)
	}
	return &Brain{item: item, opts: opts}
}

// Run blocks until the item is completed, paused, cancelled or failed, or
// ctx is cancelled. A cancelled ctx pauses a downloading item.
func (b *Brain) Run(ctx context.Context) error {
	item := b.item
	switch item.Status() {
	case types.StatusDownloading, types.StatusMergingAudio:
		return types.ErrAlreadyDownloading
	case types.StatusCompleted:
		item.Reset()
	}
	defer b.release()

	if err := item.Transition(types.StatusDownloading); err != nil {
		return err
	}
	start := time.Now()
	item.ResetSpeed()
	item.AppendLog("download started")
	utils.Debug("Brain [%s]: starting %s", item.Name, item.SourceURL())

	if err := os.MkdirAll(item.TempFolder(), 0755); err != nil {
		return b.fail("failed to create temp folder: %v", err)
	}
	lock := flock.New(filepath.Join(item.TempFolder(), types.LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return b.fail("failed to lock temp folder: %v", err)
	}
	if !locked {
		// another process owns the parts; leave the item resumable
		item.AppendLog("temp folder is in use by another process")
		item.Transition(types.StatusPaused)
		return types.ErrAlreadyDownloading
	}
	defer lock.Unlock()

	if err := b.plan(ctx); err != nil {
		b.fail("%v", err)
		return err
	}

	fm := filemanager.New(item, b.opts.Runtime, b.opts.Merger)
	if err := fm.Restore(); err != nil {
		utils.Debug("Brain [%s]: file manager restore: %v", item.Name, err)
	}
	tm := concurrent.NewThreadManager(item, b.opts.Client, b.opts.Runtime, b.opts.Hosts)
	if err := tm.Restore(); err != nil {
		utils.Debug("Brain [%s]: thread manager restore: %v", item.Name, err)
	}
	b.restoreDownloaded()
	b.esc = NewEscalation(b.opts.Runtime.GetErrorThreshold(), item.Downloaded())

	b.publish(events.DownloadStartedMsg{
		ItemID:   item.ID,
		URL:      item.URL,
		Filename: item.Name,
		Total:    item.TotalSize(),
		DestPath: item.TargetPath(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := fm.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			utils.Debug("Brain [%s]: file manager: %v", item.Name, err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := tm.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			utils.Debug("Brain [%s]: thread manager: %v", item.Name, err)
		}
	}()

	b.watch(ctx)
	cancel()
	wg.Wait()
	b.drainServerErrors()
	b.publishProgress()

	switch status := item.Status(); status {
	case types.StatusCompleted:
		elapsed := time.Since(start)
		item.AppendLog("download completed in %s", elapsed.Round(time.Second))
		if b.opts.Notifier != nil {
			b.opts.Notifier.Notify(item, elapsed)
		}
		b.runPostAction(ctx)
		return nil
	case types.StatusError:
		err := b.lastError()
		b.publish(events.DownloadErrorMsg{ItemID: item.ID, Err: err})
		return err
	default:
		utils.Debug("Brain [%s]: stopped with status %s", item.Name, status)
		return nil
	}
}

// plan builds the segment list, resolving the manifest first for
// fragmented protocols.
func (b *Brain) plan(ctx context.Context) error {
	item := b.item
	if types.IsFragmented(item.Protocol) {
		if len(item.Fragments) == 0 {
			res, err := b.opts.Resolver.Resolve(ctx, item.SourceURL())
			if err != nil {
				return fmt.Errorf("manifest: %w", err)
			}
			item.Edit(func(it *types.DownloadItem) {
				it.Fragments = res.Video
				if len(it.AudioFragments) == 0 {
					it.AudioFragments = res.Audio
				}
			})
		}
		if len(item.Fragments) == 0 {
			return types.ErrNoFragments
		}
		item.SetSegments(types.PlanFragments(item.Fragments, item.TempFolder(), item.PartSuffix()))
		return nil
	}

	// pin the part size so a resumed run plans the same parts
	if item.PartSize <= 0 {
		partSize := b.opts.Runtime.GetPartSize()
		item.Edit(func(it *types.DownloadItem) { it.PartSize = partSize })
	}
	item.SetSegments(types.PlanSegments(item.Size(), item.PartSize, item.Resumable,
		item.SourceURL(), item.TempFolder(), item.PartSuffix()))
	return nil
}

// restoreDownloaded seeds the byte counter from what is already on disk.
func (b *Brain) restoreDownloaded() {
	var n int64
	if info, err := os.Stat(b.item.TempFile()); err == nil {
		n = info.Size()
	}
	for _, seg := range b.item.Segments() {
		if seg.IsCompleted() {
			continue
		}
		if info, err := os.Stat(seg.Path); err == nil {
			n += info.Size()
		}
	}
	b.item.SetDownloaded(n)
}

func (b *Brain) watch(ctx context.Context) {
	ticker := time.NewTicker(b.opts.Runtime.GetPollInterval())
	defer ticker.Stop()
	audioStarted := false

	for {
		select {
		case <-ctx.Done():
			switch b.item.Status() {
			case types.StatusDownloading:
				b.item.Transition(types.StatusPaused)
			case types.StatusMergingAudio:
				b.item.Transition(types.StatusCancelled)
			}
			return
		case <-ticker.C:
		}

		b.item.UpdateSpeed(time.Now(), b.opts.Runtime.GetSpeedEmaAlpha())
		b.drainServerErrors()
		b.publishProgress()

		switch b.item.Status() {
		case types.StatusDownloading:
		case types.StatusMergingAudio:
			if !audioStarted {
				audioStarted = true
				b.downloadAudio(ctx)
			}
		default:
			return
		}
	}
}

func (b *Brain) drainServerErrors() {
	for {
		select {
		case code := <-b.item.ServerErrors():
			b.onServerError(code)
		default:
			return
		}
	}
}

func (b *Brain) onServerError(code int) {
	item := b.item
	if code == http.StatusTooManyRequests {
		n := item.DecreaseMaxConnections()
		item.AppendLog("server throttled the download, max connections lowered to %d", n)
	}
	if b.esc.Observe(code, item.Downloaded()) && item.Status() == types.StatusDownloading {
		b.fail("giving up after %d server errors without progress, last status %d %s",
			b.esc.Threshold(), code, http.StatusText(code))
	}
}

// downloadAudio fetches the DASH audio companion with a nested Brain and
// tells the FileManager when it is ready to merge.
func (b *Brain) downloadAudio(ctx context.Context) {
	item := b.item
	audio := item.AudioItem()

	if _, err := os.Stat(audio.TargetPath()); err == nil {
		if _, err := os.Stat(audio.TempFolder()); os.IsNotExist(err) {
			item.AppendLog("audio stream already on disk")
			item.MarkAudioReady()
			return
		}
	}

	item.AppendLog("downloading audio stream")
	opts := b.opts
	opts.Notifier = nil
	opts.Registry = nil
	opts.Progress = nil

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(b.opts.Runtime.GetPollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if item.Status() != types.StatusMergingAudio {
					audio.Transition(types.StatusCancelled)
					return
				}
			}
		}
	}()

	err := New(audio, opts).Run(ctx)
	if audio.Status() == types.StatusCompleted {
		item.MarkAudioReady()
		return
	}
	if item.Status() != types.StatusMergingAudio {
		return
	}
	if ctx.Err() != nil {
		if item.Transition(types.StatusCancelled) == nil {
			item.AppendLog("interrupted while downloading the audio stream")
		}
		return
	}
	if err == nil {
		err = fmt.Errorf("audio stream stopped with status %s", audio.Status())
	}
	b.fail("audio download failed: %v", err)
}

func (b *Brain) runPostAction(ctx context.Context) {
	action, ok := postActions[b.item.PostAction]
	if !ok {
		return
	}
	if err := action(ctx, b.item, b.opts.Runtime); err != nil {
		b.item.AppendLog("post action %s failed: %v", b.item.PostAction, err)
		utils.Debug("Brain [%s]: post action %s: %v", b.item.Name, b.item.PostAction, err)
		return
	}
	b.item.AppendLog("post action %s done", b.item.PostAction)
}

func (b *Brain) publishProgress() {
	item := b.item
	b.publish(events.ProgressMsg{
		ItemID:            item.ID,
		Name:              item.Name,
		Status:            item.Status(),
		Downloaded:        item.Downloaded(),
		Total:             item.TotalSize(),
		Progress:          item.Progress(),
		Speed:             item.Speed(),
		TimeLeft:          item.TimeLeft(),
		ActiveConnections: item.LiveConnections(),
		RemainingParts:    item.RemainingParts(),
	})
}

// publish never blocks; a slow consumer misses snapshots.
func (b *Brain) publish(msg any) {
	if b.opts.Progress == nil {
		return
	}
	select {
	case b.opts.Progress <- msg:
	default:
	}
}

// fail logs msg on the item, moves it to error and returns msg as an error.
func (b *Brain) fail(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	utils.Debug("Brain [%s]: %s", b.item.Name, msg)
	b.item.AppendLog("%s", msg)
	if err := b.item.Transition(types.StatusError); err != nil {
		utils.Debug("Brain [%s]: %v", b.item.Name, err)
	}
	b.err = errors.New(msg)
	return b.err
}

// lastError is the failure recorded by fail, or the newest log line when a
// ThreadManager or FileManager failed the item.
func (b *Brain) lastError() error {
	if b.err != nil {
		return fmt.Errorf("%s: %w", b.item.Name, b.err)
	}
	logs := b.item.Logs()
	if len(logs) == 0 {
		return fmt.Errorf("%s: download failed", b.item.Name)
	}
	_, msg, _ := strings.Cut(logs[len(logs)-1], " ")
	return fmt.Errorf("%s: %s", b.item.Name, msg)
}

func (b *Brain) release() {
	if b.opts.Registry != nil {
		b.opts.Registry.Release(b.item)
	}
}
