package concurrent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/surge-downloader/partdl/internal/engine/limiter"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

// Worker fetches one segment at a time into its part file. Workers are
// owned by a ThreadManager and reused across segments.
type Worker struct {
	ID int

	item    *types.DownloadItem
	client  *http.Client
	runtime *types.RuntimeConfig
	hosts   *limiter.Registry
	buf     []byte

	mu      sync.Mutex
	seg     *types.Segment
	limit   int64
	cancel  context.CancelFunc
	stopped bool
}

func NewWorker(id int, item *types.DownloadItem, client *http.Client, runtime *types.RuntimeConfig, hosts *limiter.Registry) *Worker {
	return &Worker{
		ID:      id,
		item:    item,
		client:  client,
		runtime: runtime,
		hosts:   hosts,
		buf:     make([]byte, runtime.GetWorkerBufferSize()),
	}
}

// Reuse assigns the next segment and the per-worker speed limit in bytes
// per second (0 for none).
func (w *Worker) Reuse(seg *types.Segment, speedLimit int64) {
	w.mu.Lock()
	w.seg = seg
	w.limit = speedLimit
	w.stopped = false
	w.mu.Unlock()
}

func (w *Worker) Segment() *types.Segment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seg
}

// Stop aborts the current run. Calling it before Run starts makes Run
// return immediately.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run fetches the assigned segment. A nil return means the part file holds
// exactly the segment's bytes and the segment is marked downloaded.
func (w *Worker) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	seg, limit := w.seg, w.limit
	if w.stopped || seg == nil {
		w.mu.Unlock()
		return types.ErrAborted
	}
	w.cancel = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.cancel = nil
		w.mu.Unlock()
	}()

	offset, done, err := w.CheckExisting(seg)
	if err != nil {
		return err
	}
	if done {
		utils.Debug("Worker %d: part %s already on disk", w.ID, seg.Name())
		seg.MarkDownloaded()
		return nil
	}

	err = w.fetch(runCtx, seg, offset, limit)
	if err != nil && runCtx.Err() != nil && ctx.Err() == nil {
		// cancelled through Stop rather than by the owner
		return fmt.Errorf("%w: %v", types.ErrAborted, err)
	}
	return err
}

// CheckExisting inspects the part file left by an earlier attempt. It
// returns the resume offset, or done when the file already holds the
// whole segment.
func (w *Worker) CheckExisting(seg *types.Segment) (offset int64, done bool, err error) {
	info, err := os.Stat(seg.Path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	existing := info.Size()
	expected := seg.Size()
	switch {
	case expected > 0 && existing == expected:
		return existing, true, nil
	case expected > 0 && existing > expected:
		if err := os.Truncate(seg.Path, expected); err != nil {
			return 0, false, fmt.Errorf("failed to truncate part %s: %w", seg.Name(), err)
		}
		w.item.AddDownloaded(expected - existing)
		return expected, true, nil
	case expected <= 0 && existing > 0 && seg.IsDownloaded():
		return existing, true, nil
	}
	return existing, false, nil
}

func rangeHeader(seg *types.Segment, offset int64) string {
	if seg.Range != nil {
		return fmt.Sprintf("bytes=%d-%d", seg.Range.Start+offset, seg.Range.End)
	}
	if offset > 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return ""
}

// contentRangeStart returns the first byte of a "bytes a-b/total" header,
// or -1 when absent or malformed.
func contentRangeStart(v string) int64 {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return -1
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// contentRangeTotal returns TOTAL from "bytes */TOTAL" style headers, or -1.
func contentRangeTotal(v string) int64 {
	idx := strings.LastIndex(v, "/")
	if idx == -1 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[idx+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (w *Worker) fetch(ctx context.Context, seg *types.Segment, offset, limit int64) error {
	host := w.hosts.ForURL(seg.URL)
	if _, err := host.WaitIfBlocked(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", w.runtime.GetUserAgent())
	requested := rangeHeader(seg, offset)
	if requested != "" {
		req.Header.Set("Range", requested)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && seg.Range == nil && offset > 0 &&
		contentRangeTotal(resp.Header.Get("Content-Range")) == offset {
		// the earlier attempt already got everything
		seg.SetSize(offset)
		seg.MarkDownloaded()
		host.ReportSuccess()
		return nil
	}
	if types.IsServerErrorStatus(resp.StatusCode) {
		if resp.StatusCode == http.StatusTooManyRequests {
			host.Handle429(resp)
		}
		return &types.ServerError{StatusCode: resp.StatusCode, URL: seg.URL}
	}

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		want := offset
		if seg.Range != nil {
			want += seg.Range.Start
		}
		if got := contentRangeStart(resp.Header.Get("Content-Range")); got >= 0 && got != want {
			return fmt.Errorf("%w: asked for %d, got %d", types.ErrRangeIgnored, want, got)
		}
		if offset > 0 {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
	case http.StatusOK:
		if requested != "" {
			if seg.Range != nil && seg.Range.Start > 0 {
				return types.ErrRangeIgnored
			}
			// whole body from byte 0: drop what the earlier attempt kept
			utils.Debug("Worker %d: range ignored for %s, restarting part", w.ID, seg.Name())
			w.item.AddDownloaded(-offset)
			offset = 0
		}
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if seg.Size() <= 0 && resp.ContentLength > 0 {
		seg.SetSize(offset + resp.ContentLength)
	}
	expected := seg.Size()

	var body io.Reader = resp.Body
	if expected > 0 {
		body = io.LimitReader(resp.Body, expected-offset)
	}

	f, err := os.OpenFile(seg.Path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open part %s: %w", seg.Name(), err)
	}

	pw := &progressWriter{w: f, item: w.item, interval: w.runtime.GetProgressInterval()}
	dst := newRateLimitedWriter(ctx, pw, limit)
	_, copyErr := io.CopyBuffer(dst, body, w.buf)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close part %s: %w", seg.Name(), closeErr)
	}

	if got := offset + pw.written; expected > 0 && got != expected {
		return fmt.Errorf("%w: part %s has %d of %d bytes", types.ErrIncomplete, seg.Name(), got, expected)
	}

	if expected <= 0 {
		seg.SetSize(offset + pw.written)
	}
	seg.MarkDownloaded()
	host.ReportSuccess()
	return nil
}
