package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/partdl/internal/engine/state"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/testutil"
)

func testRuntime() *types.RuntimeConfig {
	return &types.RuntimeConfig{
		MaxConcurrentDownloads: 2,
		PartSize:               64 * 1024,
		PollInterval:           10 * time.Millisecond,
		FileManagerInterval:    20 * time.Millisecond,
		ProgressInterval:       5 * time.Millisecond,
		WorkerBufferSize:       8 * 1024,
	}
}

func newTestManager(t *testing.T, rt *types.RuntimeConfig) (*Manager, *state.Registry) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "partdl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := NewManager(Options{Runtime: rt, Store: store, Progress: make(chan any, 256)})
	t.Cleanup(m.Shutdown)
	return m, store
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func TestManager_AddDownloadsFile(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(200*1024), testutil.WithFilename("report.pdf"))
	m, store := newTestManager(t, testRuntime())
	dir := t.TempDir()

	item, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: dir})
	require.NoError(t, err)
	assert.Equal(t, 0, item.ID)
	assert.Equal(t, "report.pdf", item.Name)
	assert.True(t, item.Resumable)
	assert.Equal(t, origin.Size, item.Size())

	waitIdle(t, m)
	assert.Equal(t, types.StatusCompleted, item.Status())
	data, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, origin.Data(), data)

	saved, err := store.GetItem(item.UID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, saved.Status())
	assert.Equal(t, origin.Size, saved.Downloaded())
}

func TestManager_AddRejectsBadDestination(t *testing.T) {
	m, _ := newTestManager(t, testRuntime())
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	tests := []struct {
		name string
		req  Request
	}{
		{"no folder", Request{URL: "http://example.invalid/a"}},
		{"missing folder", Request{URL: "http://example.invalid/a", Folder: filepath.Join(t.TempDir(), "nope")}},
		{"folder is a file", Request{URL: "http://example.invalid/a", Folder: file}},
		{"path in name", Request{URL: "http://example.invalid/a", Folder: t.TempDir(), Filename: "../evil"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Add(context.Background(), tt.req)
			assert.True(t, errors.Is(err, types.ErrInvalidDestination), "got %v", err)
		})
	}
	assert.Empty(t, m.Items())
}

func TestManager_PicksUniqueName(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(10*1024), testutil.WithFilename("data.csv"))
	m, _ := newTestManager(t, testRuntime())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.csv"), []byte("old"), 0644))

	item, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: dir})
	require.NoError(t, err)
	assert.Equal(t, "data (1).csv", item.Name)

	waitIdle(t, m)
	old, err := os.ReadFile(filepath.Join(dir, "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestManager_ReusesItemForSameTarget(t *testing.T) {
	origin := testutil.NewOrigin(t,
		testutil.WithSize(256*1024),
		testutil.WithChunkDelay(20*time.Millisecond),
	)
	m, _ := newTestManager(t, testRuntime())
	dir := t.TempDir()

	first, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: dir})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Downloaded() > 0 }, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Pause(first.ID))
	require.Eventually(t, func() bool { return m.Idle() }, 5*time.Second, 10*time.Millisecond)

	second, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: dir})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, m.Items(), 1)

	waitIdle(t, m)
	assert.Equal(t, types.StatusCompleted, first.Status())
	data, err := os.ReadFile(first.TargetPath())
	require.NoError(t, err)
	assert.Equal(t, origin.Data(), data)
}

func TestManager_ReuseWhileSaving(t *testing.T) {
	origin := testutil.NewOrigin(t,
		testutil.WithSize(256*1024),
		testutil.WithChunkDelay(20*time.Millisecond),
	)
	m, store := newTestManager(t, testRuntime())
	dir := t.TempDir()

	first, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: dir})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Downloaded() > 0 }, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Pause(first.ID))
	require.Eventually(t, func() bool { return m.Idle() }, 5*time.Second, 10*time.Millisecond)

	stop := make(chan struct{})
	saved := make(chan struct{})
	go func() {
		defer close(saved)
		for {
			select {
			case <-stop:
				return
			default:
				assert.NoError(t, store.SaveItem(first))
			}
		}
	}()

	second, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: dir})
	close(stop)
	<-saved
	require.NoError(t, err)
	assert.Same(t, first, second)

	waitIdle(t, m)
	assert.Equal(t, types.StatusCompleted, first.Status())
	got, err := store.GetItem(first.UID)
	require.NoError(t, err)
	assert.Equal(t, origin.URL(), got.URL)
	assert.Equal(t, types.StatusCompleted, got.Status())
}

func TestManager_QueuesBeyondConcurrencyLimit(t *testing.T) {
	slow := testutil.NewOrigin(t,
		testutil.WithSize(256*1024),
		testutil.WithFilename("slow.bin"),
		testutil.WithChunkDelay(20*time.Millisecond),
	)
	fast := testutil.NewOrigin(t, testutil.WithSize(32*1024), testutil.WithFilename("fast.bin"))

	rt := testRuntime()
	rt.MaxConcurrentDownloads = 1
	m, _ := newTestManager(t, rt)
	dir := t.TempDir()

	a, err := m.Add(context.Background(), Request{URL: slow.URL(), Folder: dir, Connections: 1})
	require.NoError(t, err)
	b, err := m.Add(context.Background(), Request{URL: fast.URL(), Folder: dir})
	require.NoError(t, err)

	assert.Equal(t, types.StatusPending, b.Status())
	assert.LessOrEqual(t, fast.BytesServed.Load(), int64(1), "only the probe byte has been served")

	waitIdle(t, m)
	assert.Equal(t, types.StatusCompleted, a.Status())
	assert.Equal(t, types.StatusCompleted, b.Status())
}

func TestManager_CancelQueuedItem(t *testing.T) {
	slow := testutil.NewOrigin(t,
		testutil.WithSize(128*1024),
		testutil.WithFilename("slow.bin"),
		testutil.WithChunkDelay(10*time.Millisecond),
	)
	other := testutil.NewOrigin(t, testutil.WithSize(16*1024), testutil.WithFilename("other.bin"))

	rt := testRuntime()
	rt.MaxConcurrentDownloads = 1
	m, _ := newTestManager(t, rt)
	dir := t.TempDir()

	_, err := m.Add(context.Background(), Request{URL: slow.URL(), Folder: dir, Connections: 1})
	require.NoError(t, err)
	queued, err := m.Add(context.Background(), Request{URL: other.URL(), Folder: dir})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(queued.ID))

	waitIdle(t, m)
	assert.Equal(t, types.StatusCancelled, queued.Status())
	assert.NoFileExists(t, queued.TargetPath())
}

func TestManager_ScheduledStart(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(16*1024))
	m, _ := newTestManager(t, testRuntime())

	at := time.Now().Add(300 * time.Millisecond)
	item, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: t.TempDir(), ScheduledAt: at})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, item.Status())
	assert.False(t, m.Idle())

	waitIdle(t, m)
	assert.Equal(t, types.StatusCompleted, item.Status())
	assert.False(t, time.Now().Before(at))
}

func TestManager_DeleteRemovesFiles(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(16*1024))
	m, store := newTestManager(t, testRuntime())

	item, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: t.TempDir()})
	require.NoError(t, err)
	waitIdle(t, m)
	require.FileExists(t, item.TargetPath())

	require.NoError(t, m.Delete(item.ID, true))
	assert.NoFileExists(t, item.TargetPath())
	_, err = m.Get(item.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = store.GetItem(item.UID)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Empty(t, m.Items())
}

func TestManager_LoadFromStore(t *testing.T) {
	dir := t.TempDir()
	store, err := state.Open(filepath.Join(t.TempDir(), "partdl.db"))
	require.NoError(t, err)
	defer store.Close()

	a := types.NewDownloadItem("http://example.invalid/a", dir, "a", 10)
	a.ID = 0
	b := types.NewDownloadItem("http://example.invalid/b", dir, "b", 10)
	b.ID = 3
	require.NoError(t, b.Transition(types.StatusDownloading))
	require.NoError(t, store.SaveItem(a))
	require.NoError(t, store.SaveItem(b))

	m := NewManager(Options{Runtime: testRuntime(), Store: store})
	defer m.Shutdown()
	n, err := m.LoadFromStore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := m.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)
	assert.Equal(t, types.StatusPaused, got.Status())
	_, err = m.Get(1)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Len(t, m.Items(), 2)
}

func TestManager_ShutdownPausesRunningItems(t *testing.T) {
	origin := testutil.NewOrigin(t,
		testutil.WithSize(512*1024),
		testutil.WithChunkDelay(50*time.Millisecond),
	)
	m, store := newTestManager(t, testRuntime())

	item, err := m.Add(context.Background(), Request{URL: origin.URL(), Folder: t.TempDir()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return item.Downloaded() > 0 }, 10*time.Second, 5*time.Millisecond)

	m.Shutdown()
	assert.Equal(t, types.StatusPaused, item.Status())
	saved, err := store.GetItem(item.UID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, saved.Status())

	assert.Error(t, m.Start(item.ID), "a shut down manager does not start items")
}
