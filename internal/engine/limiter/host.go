// Package limiter tracks per-host 429 backoff so every worker talking to a
// throttled host pauses together.
package limiter

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surge-downloader/partdl/internal/utils"
)

const (
	baseBackoff   = time.Second
	maxBackoff    = 60 * time.Second
	maxBackoffExp = 6
	jitterFactor  = 0.10
)

// Host is the backoff state shared by all requests to one host.
type Host struct {
	Name string

	blockedUntil atomic.Int64 // unix nanos
	hits         atomic.Int32

	mu sync.Mutex
}

func newHost(name string) *Host {
	return &Host{Name: name}
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
// ok is false when the header is missing or malformed; a value of "0" is a
// valid instruction to retry immediately.
func retryAfter(h http.Header, now time.Time) (wait time.Duration, ok bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}

// Handle429 records a 429 response and blocks the host for the wait it
// returns. A parseable Retry-After wins; otherwise the wait doubles per
// consecutive hit from 1s up to 60s. Either way ±10% jitter is applied.
func (h *Host) Handle429(resp *http.Response) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	hits := h.hits.Add(1)

	var header http.Header
	if resp != nil {
		header = resp.Header
	}
	wait, ok := retryAfter(header, time.Now())
	if ok {
		utils.Debug("limiter [%s]: 429 with Retry-After, waiting %v (hit #%d)", h.Name, wait, hits)
	} else {
		wait = min(baseBackoff<<min(int(hits-1), maxBackoffExp), maxBackoff)
		utils.Debug("limiter [%s]: 429 without Retry-After, backing off %v (hit #%d)", h.Name, wait, hits)
	}

	wait = jitter(wait, jitterFactor)
	h.extendBlock(wait)
	return wait
}

func jitter(d time.Duration, factor float64) time.Duration {
	if d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*factor))
}

// extendBlock moves blockedUntil forward, never backward.
func (h *Host) extendBlock(d time.Duration) {
	until := time.Now().Add(d).UnixNano()
	for {
		cur := h.blockedUntil.Load()
		if until <= cur {
			return
		}
		if h.blockedUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

// WaitIfBlocked sleeps until the block expires or ctx is done. It reports
// whether it had to wait.
func (h *Host) WaitIfBlocked(ctx context.Context) (bool, error) {
	d := h.BlockDuration()
	if d <= 0 {
		return false, nil
	}

	utils.Debug("limiter [%s]: worker waiting %v", h.Name, d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}

// ReportSuccess clears the consecutive 429 count.
func (h *Host) ReportSuccess() {
	if h.hits.Swap(0) > 0 {
		utils.Debug("limiter [%s]: success, backoff reset", h.Name)
	}
}

func (h *Host) IsBlocked() bool {
	return time.Now().UnixNano() < h.blockedUntil.Load()
}

// BlockDuration is how long the host stays blocked, 0 when it is not.
func (h *Host) BlockDuration() time.Duration {
	until := h.blockedUntil.Load()
	if until == 0 {
		return 0
	}
	return max(time.Until(time.Unix(0, until)), 0)
}

// Hits is the number of consecutive 429s since the last success.
func (h *Host) Hits() int { return int(h.hits.Load()) }
