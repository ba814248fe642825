// Package filemanager appends downloaded parts to the item's temp file in
// order and finalizes the item once every part is in place.
package filemanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/surge-downloader/partdl/internal/engine/ffmpeg"
	"github.com/surge-downloader/partdl/internal/engine/state"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

// maxAppendFailures is how many consecutive cycles an append may fail
// before the item is put into the error state.
const maxAppendFailures = 3

type FileManager struct {
	item     *types.DownloadItem
	runtime  *types.RuntimeConfig
	merger   ffmpeg.Merger
	ledger   *state.Ledger
	failures int
}

func New(item *types.DownloadItem, runtime *types.RuntimeConfig, merger ffmpeg.Merger) *FileManager {
	return &FileManager{
		item:    item,
		runtime: runtime,
		merger:  merger,
		ledger:  state.NewLedger(item.TempFolder(), types.CompletedLedger),
	}
}

// Restore marks the segments recorded as merged by an earlier run and
// trims the temp file back to the last merge the ledger knows about.
func (fm *FileManager) Restore() error {
	if err := fm.ledger.Load(); err != nil {
		utils.Debug("FileManager: ignoring unreadable ledger: %v", err)
	}

	segs := fm.item.Segments()
	if !fm.sizesKnown(segs) {
		for _, seg := range segs {
			if fm.ledger.Has(seg.Name()) {
				seg.MarkCompleted()
			}
		}
		return nil
	}

	var fileSize int64
	if info, err := os.Stat(fm.item.TempFile()); err == nil {
		fileSize = info.Size()
	}

	// keep the longest prefix of merged parts the temp file really holds
	var merged int64
	prefix := true
	for _, seg := range segs {
		if prefix && fm.ledger.Has(seg.Name()) && merged+seg.Size() <= fileSize {
			merged += seg.Size()
			seg.MarkCompleted()
			continue
		}
		prefix = false
		fm.ledger.Remove(seg.Name())
	}

	if fileSize != merged {
		utils.Debug("FileManager [%s]: temp file is %d bytes, ledger covers %d; truncating", fm.item.Name, fileSize, merged)
		if err := os.Truncate(fm.item.TempFile(), merged); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to truncate temp file: %w", err)
		}
	}
	return fm.ledger.Save()
}

// sizesKnown reports whether every segment has a known size and none
// needs decrypting, which makes the temp file size predictable.
func (fm *FileManager) sizesKnown(segs []*types.Segment) bool {
	for _, seg := range segs {
		if seg.Size() <= 0 || seg.Key != nil || !seg.Merge {
			return false
		}
	}
	return true
}

// Run merges parts as they arrive and finalizes the item once all are
// merged. It returns when the item leaves the downloading state.
func (fm *FileManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(fm.runtime.GetFileManagerInterval())
	defer ticker.Stop()

	for {
		if fm.item.Status() != types.StatusDownloading {
			return nil
		}

		done, err := fm.mergeReady()
		if err != nil {
			fm.failures++
			utils.Debug("FileManager [%s]: append attempt %d failed: %v", fm.item.Name, fm.failures, err)
			if fm.failures >= maxAppendFailures {
				fm.fail("merge failed: %v", err)
				return err
			}
		} else {
			fm.failures = 0
		}
		if done {
			return fm.finish(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// mergeReady appends every downloaded part that directly follows the
// merged prefix. done is true once all segments are merged.
func (fm *FileManager) mergeReady() (done bool, err error) {
	for _, seg := range fm.item.Segments() {
		if seg.IsCompleted() {
			continue
		}
		if !seg.IsDownloaded() || fm.item.Status() != types.StatusDownloading {
			return false, nil
		}

		if seg.Merge {
			if err := fm.appendPart(seg); err != nil {
				return false, fmt.Errorf("part %s: %w", seg.Name(), err)
			}
		}
		seg.MarkCompleted()
		fm.ledger.Add(seg.Name())
		if err := fm.ledger.Save(); err != nil {
			return false, err
		}
		if seg.Merge {
			os.Remove(seg.Path)
		}
	}
	return true, nil
}

// appendPart copies (decrypting when needed) a part onto the temp file,
// cutting the temp file back if anything goes wrong half way.
func (fm *FileManager) appendPart(seg *types.Segment) error {
	out, err := os.OpenFile(fm.item.TempFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		return err
	}
	start := info.Size()

	var src io.Reader
	if seg.Key != nil {
		plain, err := decryptSegment(seg)
		if err != nil {
			out.Close()
			return err
		}
		src = bytes.NewReader(plain)
	} else {
		in, err := os.Open(seg.Path)
		if err != nil {
			out.Close()
			return err
		}
		defer in.Close()
		src = in
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Truncate(start)
		out.Close()
		return err
	}
	return out.Close()
}

func (fm *FileManager) finish(ctx context.Context) error {
	if fm.item.IsDash() {
		return fm.finishDash(ctx)
	}

	if err := moveFile(fm.item.TempFile(), fm.item.TargetPath()); err != nil {
		if !os.IsNotExist(err) {
			fm.fail("failed to move file into place: %v", err)
			return err
		}
		// nothing was ever appended: an empty resource
		if err := os.WriteFile(fm.item.TargetPath(), nil, 0644); err != nil {
			fm.fail("failed to create file: %v", err)
			return err
		}
	}
	os.RemoveAll(fm.item.TempFolder())
	utils.Debug("FileManager [%s]: completed %s", fm.item.Name, fm.item.TargetPath())
	return fm.complete()
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}

func (fm *FileManager) finishDash(ctx context.Context) error {
	if err := fm.item.Transition(types.StatusMergingAudio); err != nil {
		return err
	}

	ticker := time.NewTicker(fm.runtime.GetPollInterval())
	defer ticker.Stop()
	for !fm.item.AudioReady() {
		if fm.item.Status() != types.StatusMergingAudio {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-mctx.Done():
				return
			case <-ticker.C:
				if fm.item.Status() != types.StatusMergingAudio {
					cancel()
					return
				}
			}
		}
	}()

	fm.item.AppendLog("merging video and audio")
	err := fm.merger.Merge(mctx, fm.item.TempFile(), fm.item.AudioFile(), fm.item.TargetPath())
	if fm.item.Status() != types.StatusMergingAudio {
		return nil
	}
	if err != nil {
		// temp files stay for a retry
		fm.fail("audio merge failed: %v", err)
		return err
	}

	os.Remove(fm.item.TempFile())
	os.Remove(fm.item.AudioFile())
	os.RemoveAll(fm.item.TempFolder())
	os.RemoveAll(fm.item.AudioItem().TempFolder())
	return fm.complete()
}

func (fm *FileManager) complete() error {
	if err := fm.item.Transition(types.StatusCompleted); err != nil {
		utils.Debug("FileManager [%s]: %v", fm.item.Name, err)
	}
	return nil
}

func (fm *FileManager) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	utils.Debug("FileManager [%s]: %s", fm.item.Name, msg)
	fm.item.AppendLog("%s", msg)
	if err := fm.item.Transition(types.StatusError); err != nil {
		utils.Debug("FileManager [%s]: %v", fm.item.Name, err)
	}
}
