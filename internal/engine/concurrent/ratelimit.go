package concurrent

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/surge-downloader/partdl/internal/engine/types"
)

// rateLimitedWriter throttles writes to limit bytes per second.
type rateLimitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

// newRateLimitedWriter returns w unchanged when limit is not positive.
func newRateLimitedWriter(ctx context.Context, w io.Writer, limit int64) io.Writer {
	if limit <= 0 {
		return w
	}
	burst := max(int(limit), types.RateLimitChunk)
	return &rateLimitedWriter{
		ctx:     ctx,
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
}

func (rl *rateLimitedWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		// small chunks so a slow limit never blocks past a cancellation for long
		n := min(types.RateLimitChunk, len(p)-written)
		if err := rl.limiter.WaitN(rl.ctx, n); err != nil {
			return written, err
		}
		m, err := rl.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// progressWriter feeds the item's downloaded counter and aborts the copy
// once the item leaves the downloading state.
type progressWriter struct {
	w         io.Writer
	item      *types.DownloadItem
	interval  time.Duration
	lastCheck time.Time
	written   int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	if now := time.Now(); now.Sub(pw.lastCheck) >= pw.interval {
		pw.lastCheck = now
		if pw.item.Status() != types.StatusDownloading {
			return 0, types.ErrAborted
		}
	}
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	pw.item.AddDownloaded(int64(n))
	return n, err
}
