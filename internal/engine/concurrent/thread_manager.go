package concurrent

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/surge-downloader/partdl/internal/engine/limiter"
	"github.com/surge-downloader/partdl/internal/engine/state"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

type result struct {
	w   *Worker
	seg *types.Segment
	err error
}

// ThreadManager hands segments to a fixed pool of workers and requeues the
// ones that fail until every segment is downloaded or the item stops.
type ThreadManager struct {
	item    *types.DownloadItem
	client  *http.Client
	runtime *types.RuntimeConfig
	hosts   *limiter.Registry
	ledger  *state.Ledger

	free    []*Worker
	busy    map[*Worker]*types.Segment
	jobs    []*types.Segment
	results chan result
	wg      sync.WaitGroup

	limit      int64
	limitSetAt time.Time
}

func NewThreadManager(item *types.DownloadItem, client *http.Client, runtime *types.RuntimeConfig, hosts *limiter.Registry) *ThreadManager {
	return &ThreadManager{
		item:    item,
		client:  client,
		runtime: runtime,
		hosts:   hosts,
		ledger:  state.NewLedger(item.TempFolder(), types.DownloadedLedger),
		busy:    make(map[*Worker]*types.Segment),
	}
}

// Restore loads the downloaded ledger and flags the segments whose part
// files are still on disk. Entries whose file vanished are dropped.
func (tm *ThreadManager) Restore() error {
	if err := tm.ledger.Load(); err != nil {
		utils.Debug("ThreadManager: ignoring unreadable ledger: %v", err)
	}
	for _, seg := range tm.item.Segments() {
		if seg.IsCompleted() {
			seg.MarkDownloaded()
			continue
		}
		if !tm.ledger.Has(seg.Name()) {
			continue
		}
		info, err := os.Stat(seg.Path)
		if err != nil || (seg.Size() > 0 && info.Size() != seg.Size()) {
			tm.ledger.Remove(seg.Name())
			continue
		}
		if seg.Size() <= 0 {
			seg.SetSize(info.Size())
		}
		seg.MarkDownloaded()
	}
	return nil
}

// sortJobs orders the job stack so the next segment to fetch is last.
func sortJobs(jobs []*types.Segment, order types.JobOrder) {
	key := func(s *types.Segment) int64 {
		if s.Range != nil {
			return s.Range.Start
		}
		return int64(s.Num)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if order == types.JobOrderStartAscending {
			return key(jobs[i]) < key(jobs[j])
		}
		return key(jobs[i]) > key(jobs[j])
	})
}

func stoppedAndDrained(status types.Status, busy int) bool {
	return status != types.StatusDownloading && busy == 0
}

func naturallyDone(busy, jobs, queued int) bool {
	return busy == 0 && jobs == 0 && queued == 0
}

// Run drives the workers until the item is fully downloaded, leaves the
// downloading state, or ctx is cancelled.
func (tm *ThreadManager) Run(ctx context.Context) error {
	poolSize := tm.item.MaxConnections()
	tm.results = make(chan result, poolSize)
	for i := 0; i < poolSize; i++ {
		tm.free = append(tm.free, NewWorker(i, tm.item, tm.client, tm.runtime, tm.hosts))
	}

	for _, seg := range tm.item.Segments() {
		if !seg.IsDownloaded() {
			tm.jobs = append(tm.jobs, seg)
		}
	}
	sortJobs(tm.jobs, tm.runtime.GetJobOrder())
	utils.Debug("ThreadManager [%s]: %d jobs, %d workers", tm.item.Name, len(tm.jobs), poolSize)

	defer func() {
		if err := tm.ledger.Save(); err != nil {
			utils.Debug("ThreadManager: failed to save ledger: %v", err)
		}
	}()

	ticker := time.NewTicker(tm.runtime.GetPollInterval())
	defer ticker.Stop()

	for {
		if requeued := tm.item.DrainJobs(); len(requeued) > 0 {
			tm.jobs = append(tm.jobs, requeued...)
			sortJobs(tm.jobs, tm.runtime.GetJobOrder())
		}

		status := tm.item.Status()
		if status != types.StatusDownloading {
			tm.stopAll()
		} else {
			tm.retuneSpeedLimit()
			tm.assign(ctx)
		}
		tm.item.ReportWorkers(len(tm.busy), tm.notDownloaded())

		if stoppedAndDrained(status, len(tm.busy)) ||
			naturallyDone(len(tm.busy), len(tm.jobs), tm.item.QueuedJobs()) {
			utils.Debug("ThreadManager [%s]: exiting with status %s", tm.item.Name, status)
			return nil
		}

		select {
		case <-ctx.Done():
			tm.stopAll()
			tm.wg.Wait()
			tm.reapPending()
			tm.item.ReportWorkers(0, tm.notDownloaded())
			return ctx.Err()
		case r := <-tm.results:
			tm.reap(r)
		case <-ticker.C:
		}
		tm.reapPending()
	}
}

func (tm *ThreadManager) reapPending() {
	for {
		select {
		case r := <-tm.results:
			tm.reap(r)
		default:
			return
		}
	}
}

func (tm *ThreadManager) reap(r result) {
	delete(tm.busy, r.w)
	tm.free = append(tm.free, r.w)

	if r.err == nil {
		tm.ledger.Add(r.seg.Name())
		if err := tm.ledger.Save(); err != nil {
			utils.Debug("ThreadManager: failed to save ledger: %v", err)
		}
		return
	}

	r.seg.ResetDownloaded()
	switch {
	case errors.Is(r.err, types.ErrAborted), errors.Is(r.err, context.Canceled):
	case errors.Is(r.err, types.ErrRangeIgnored):
		// counts toward escalation; such a server will not start honoring ranges
		tm.item.ReportServerError(http.StatusOK)
		utils.Debug("ThreadManager: part %s: %v", r.seg.Name(), r.err)
	default:
		if se, ok := types.AsServerError(r.err); ok {
			tm.item.ReportServerError(se.StatusCode)
		}
		utils.Debug("ThreadManager: part %s failed: %v", r.seg.Name(), r.err)
	}

	if !tm.item.Requeue(r.seg) {
		tm.jobs = append(tm.jobs, r.seg)
		sortJobs(tm.jobs, tm.runtime.GetJobOrder())
	}
}

func (tm *ThreadManager) assign(ctx context.Context) {
	for len(tm.free) > 0 && len(tm.jobs) > 0 && len(tm.busy) < tm.item.MaxConnections() {
		seg := tm.jobs[len(tm.jobs)-1]
		if tm.hosts.ForURL(seg.URL).IsBlocked() {
			return
		}
		tm.jobs = tm.jobs[:len(tm.jobs)-1]

		w := tm.free[len(tm.free)-1]
		tm.free = tm.free[:len(tm.free)-1]
		w.Reuse(seg, tm.limit)
		tm.busy[w] = seg

		tm.wg.Add(1)
		go func() {
			defer tm.wg.Done()
			tm.results <- result{w: w, seg: seg, err: w.Run(ctx)}
		}()
	}
}

func (tm *ThreadManager) stopAll() {
	for w := range tm.busy {
		w.Stop()
	}
}

// retuneSpeedLimit splits the item's speed limit across the workers
// expected to be running. Busy workers restart with the new share when it
// moves by more than 10% and the cooldown has passed.
func (tm *ThreadManager) retuneSpeedLimit() {
	global := tm.runtime.GetSpeedLimit()
	if global <= 0 {
		tm.limit = 0
		return
	}

	expected := min(tm.item.MaxConnections(), len(tm.busy)+len(tm.jobs))
	target := global / int64(max(expected, 1))
	if tm.limit == 0 {
		tm.limit = target
		tm.limitSetAt = time.Now()
		return
	}

	change := math.Abs(float64(target-tm.limit)) / float64(tm.limit)
	if change <= 0.10 || time.Since(tm.limitSetAt) < tm.runtime.GetSpeedLimitCooldown() {
		return
	}
	utils.Debug("ThreadManager [%s]: per-worker limit %d -> %d B/s", tm.item.Name, tm.limit, target)
	tm.limit = target
	tm.limitSetAt = time.Now()
	for w := range tm.busy {
		w.Stop()
	}
}

func (tm *ThreadManager) notDownloaded() int {
	n := 0
	for _, seg := range tm.item.Segments() {
		if !seg.IsDownloaded() {
			n++
		}
	}
	return n
}
