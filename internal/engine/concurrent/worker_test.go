package concurrent

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/partdl/internal/engine/limiter"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/testutil"
)

func newTestItem(t *testing.T, url string, size int64) *types.DownloadItem {
	t.Helper()
	item := types.NewDownloadItem(url, t.TempDir(), "file.bin", size)
	require.NoError(t, os.MkdirAll(item.TempFolder(), 0755))
	require.NoError(t, item.Transition(types.StatusDownloading))
	return item
}

func newTestWorker(item *types.DownloadItem, hosts *limiter.Registry) *Worker {
	return NewWorker(0, item, http.DefaultClient, &types.RuntimeConfig{}, hosts)
}

func rangedSegment(item *types.DownloadItem, num int, url string, start, end int64) *types.Segment {
	rng := &types.ByteRange{Start: start, End: end}
	return types.NewSegment(num, rng, url, types.PartPath(item.TempFolder(), num, ""), rng.Len())
}

func TestWorker_FetchesRange(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(100*1024))
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := rangedSegment(item, 1, origin.URL(), 50*1024, 100*1024-1)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	require.NoError(t, w.Run(context.Background()))

	got, err := os.ReadFile(seg.Path)
	require.NoError(t, err)
	assert.Equal(t, origin.Data()[50*1024:], got)
	assert.True(t, seg.IsDownloaded())
	assert.Equal(t, int64(50*1024), item.Downloaded())
}

func TestWorker_ResumesPartialPart(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(64*1024))
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := rangedSegment(item, 0, origin.URL(), 0, origin.Size-1)

	require.NoError(t, os.WriteFile(seg.Path, origin.Data()[:10000], 0644))
	item.SetDownloaded(10000)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	require.NoError(t, w.Run(context.Background()))

	got, err := os.ReadFile(seg.Path)
	require.NoError(t, err)
	assert.Equal(t, origin.Data(), got)
	assert.Equal(t, origin.Size-10000, origin.BytesServed.Load(), "only the missing tail is fetched")
	assert.Equal(t, origin.Size, item.Downloaded())
}

func TestWorker_RunTwiceIsIdempotent(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(32*1024))
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := rangedSegment(item, 0, origin.URL(), 0, origin.Size-1)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	require.NoError(t, w.Run(context.Background()))
	requests := origin.Requests.Load()

	seg.ResetDownloaded()
	w.Reuse(seg, 0)
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, requests, origin.Requests.Load(), "complete part must not be fetched again")
	assert.Equal(t, origin.Size, item.Downloaded())
	assert.True(t, seg.IsDownloaded())
}

func TestWorker_TruncatesOversizedPart(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(1000))
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := rangedSegment(item, 0, origin.URL(), 0, 499)

	require.NoError(t, os.WriteFile(seg.Path, make([]byte, 700), 0644))
	item.SetDownloaded(700)

	w := newTestWorker(item, limiter.NewRegistry())
	offset, done, err := w.CheckExisting(seg)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int64(500), offset)

	info, err := os.Stat(seg.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(500), info.Size())
	assert.Equal(t, int64(500), item.Downloaded())
}

func TestWorker_UnknownSizeTrustsLedgerOnly(t *testing.T) {
	item := newTestItem(t, "http://unused", 0)
	seg := types.NewSegment(0, nil, "http://unused", types.PartPath(item.TempFolder(), 0, ""), 0)
	require.NoError(t, os.WriteFile(seg.Path, make([]byte, 300), 0644))

	w := newTestWorker(item, limiter.NewRegistry())
	offset, done, err := w.CheckExisting(seg)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(300), offset)

	seg.MarkDownloaded()
	_, done, err = w.CheckExisting(seg)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWorker_ServerError(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(1000))
	origin.FailRange(0, http.StatusServiceUnavailable)
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := rangedSegment(item, 0, origin.URL(), 0, 999)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	err := w.Run(context.Background())

	se, ok := types.AsServerError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.False(t, seg.IsDownloaded())
}

func TestWorker_TooManyRequestsFeedsHostLimiter(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(1000))
	origin.FailRange(0, http.StatusTooManyRequests)
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := rangedSegment(item, 0, origin.URL(), 0, 999)

	hosts := limiter.NewRegistry()
	w := newTestWorker(item, hosts)
	w.Reuse(seg, 0)
	err := w.Run(context.Background())

	se, ok := types.AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, 1, hosts.ForURL(origin.URL()).Hits())

	w.Reuse(seg, 0)
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 0, hosts.ForURL(origin.URL()).Hits())
}

func TestWorker_RangeIgnoredMidFile(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(1000), testutil.WithIgnoredRanges())
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := rangedSegment(item, 1, origin.URL(), 500, 999)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	err := w.Run(context.Background())
	assert.True(t, errors.Is(err, types.ErrRangeIgnored), "got %v", err)
	_, statErr := os.Stat(seg.Path)
	assert.True(t, os.IsNotExist(statErr), "nothing may be written")
}

func TestWorker_RangeIgnoredRestartsFromZero(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(2000), testutil.WithIgnoredRanges())
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := types.NewSegment(0, nil, origin.URL(), types.PartPath(item.TempFolder(), 0, ""), origin.Size)

	require.NoError(t, os.WriteFile(seg.Path, []byte("stale prefix"), 0644))
	item.SetDownloaded(int64(len("stale prefix")))

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	require.NoError(t, w.Run(context.Background()))

	got, err := os.ReadFile(seg.Path)
	require.NoError(t, err)
	assert.Equal(t, origin.Data(), got)
	assert.Equal(t, origin.Size, item.Downloaded())
}

func TestWorker_LearnsUnknownSize(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(4096), testutil.WithRanges(false))
	item := newTestItem(t, origin.URL(), 0)
	seg := types.NewSegment(0, nil, origin.URL(), filepath.Join(item.TempFolder(), "0"), 0)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(4096), seg.Size())
}

func TestWorker_TruncatedBodyIsIncomplete(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(200*1024), testutil.WithFailAfterBytes(64*1024))
	item := newTestItem(t, origin.URL(), origin.Size)
	seg := rangedSegment(item, 0, origin.URL(), 0, origin.Size-1)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	require.Error(t, w.Run(context.Background()))
	assert.False(t, seg.IsDownloaded())

	info, err := os.Stat(seg.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), item.Downloaded(), "counter tracks bytes on disk")
}

func TestWorker_AbortsWhenItemLeavesDownloading(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(1000))
	item := newTestItem(t, origin.URL(), origin.Size)
	require.NoError(t, item.Transition(types.StatusPaused))
	seg := rangedSegment(item, 0, origin.URL(), 0, 999)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	err := w.Run(context.Background())
	assert.True(t, errors.Is(err, types.ErrAborted), "got %v", err)
	assert.Equal(t, int64(0), item.Downloaded())
}

func TestWorker_StopBeforeRun(t *testing.T) {
	item := newTestItem(t, "http://unused", 10)
	seg := rangedSegment(item, 0, "http://unused", 0, 9)

	w := newTestWorker(item, limiter.NewRegistry())
	w.Reuse(seg, 0)
	w.Stop()
	assert.True(t, errors.Is(w.Run(context.Background()), types.ErrAborted))
}

func TestRangeHeader(t *testing.T) {
	seg := types.NewSegment(0, &types.ByteRange{Start: 100, End: 199}, "", "", 100)
	assert.Equal(t, "bytes=100-199", rangeHeader(seg, 0))
	assert.Equal(t, "bytes=150-199", rangeHeader(seg, 50))

	open := types.NewSegment(0, nil, "", "", 0)
	assert.Equal(t, "", rangeHeader(open, 0))
	assert.Equal(t, "bytes=42-", rangeHeader(open, 42))
}

func TestContentRangeParsing(t *testing.T) {
	assert.Equal(t, int64(100), contentRangeStart("bytes 100-199/1000"))
	assert.Equal(t, int64(-1), contentRangeStart("garbage"))
	assert.Equal(t, int64(1000), contentRangeTotal("bytes */1000"))
	assert.Equal(t, int64(-1), contentRangeTotal("bytes 0-1/*"))
}
