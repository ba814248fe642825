package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/partdl/internal/engine/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "state", "partdl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestLedger_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewLedger(dir, types.CompletedLedger)
	l.Add("0")
	l.Add("2")
	l.Add("1")
	require.NoError(t, l.Save())

	loaded := NewLedger(dir, types.CompletedLedger)
	require.NoError(t, loaded.Load())
	assert.Equal(t, []string{"0", "1", "2"}, loaded.Names())
	assert.True(t, loaded.Has("1"))
	assert.False(t, loaded.Has("3"))

	data, err := os.ReadFile(filepath.Join(dir, types.CompletedLedger))
	require.NoError(t, err)
	assert.JSONEq(t, `["0","1","2"]`, string(data))
}

func TestLedger_MissingFileIsEmpty(t *testing.T) {
	l := NewLedger(t.TempDir(), types.DownloadedLedger)
	require.NoError(t, l.Load())
	assert.Equal(t, 0, l.Len())
}

func TestLedger_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, types.DownloadedLedger), []byte("{"), 0644))

	l := NewLedger(dir, types.DownloadedLedger)
	assert.Error(t, l.Load())
}

func TestLedger_SaveAfterFolderRemovedIsNoop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	l := NewLedger(dir, types.DownloadedLedger)
	l.Add("0")

	require.NoError(t, l.Save())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "Save must not recreate the temp folder")
}

func TestRegistry_SaveAndLoad(t *testing.T) {
	r := openTestRegistry(t)

	item := types.NewDownloadItem("http://example.com/a.iso", "/dl", "a.iso", 4096)
	item.ID = 2
	item.Resumable = true
	item.PartSize = 1024
	item.AudioURL = "http://example.com/a.m4a"
	item.PostAction = types.PostActionUnzipFFmpeg
	item.SetDownloaded(1000)
	require.NoError(t, item.Transition(types.StatusDownloading))
	require.NoError(t, r.SaveItem(item))

	items, err := r.LoadItems()
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, item.UID, got.UID)
	assert.Equal(t, 2, got.ID)
	assert.Equal(t, "a.iso", got.Name)
	assert.Equal(t, int64(4096), got.Size())
	assert.Equal(t, int64(1000), got.Downloaded())
	assert.True(t, got.Resumable)
	assert.Equal(t, int64(1024), got.PartSize)
	assert.Equal(t, "http://example.com/a.m4a", got.AudioURL)
	assert.Equal(t, types.PostActionUnzipFFmpeg, got.PostAction)
	assert.Equal(t, types.StatusPaused, got.Status(), "interrupted runs load as paused")
}

func TestRegistry_UpsertAndStatus(t *testing.T) {
	r := openTestRegistry(t)

	item := types.NewDownloadItem("http://example.com/b", "/dl", "b", 10)
	require.NoError(t, r.SaveItem(item))
	item.Name = "b-renamed"
	require.NoError(t, r.SaveItem(item))

	require.NoError(t, r.UpdateStatus(item.UID, types.StatusCompleted))

	got, err := r.GetItem(item.UID)
	require.NoError(t, err)
	assert.Equal(t, "b-renamed", got.Name)
	assert.Equal(t, types.StatusCompleted, got.Status())

	err = r.UpdateStatus("missing", types.StatusError)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRegistry_FindByPrefixAndDelete(t *testing.T) {
	r := openTestRegistry(t)

	a := types.NewDownloadItem("http://example.com/a", "/dl", "a", 1)
	a.UID = "abc123"
	b := types.NewDownloadItem("http://example.com/b", "/dl", "b", 1)
	b.UID = "abd456"
	require.NoError(t, r.SaveItem(a))
	require.NoError(t, r.SaveItem(b))

	got, err := r.FindByPrefix("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.UID)

	_, err = r.FindByPrefix("ab")
	assert.Error(t, err, "ambiguous prefix")

	_, err = r.FindByPrefix("zzz")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	require.NoError(t, r.DeleteItem("abc123"))
	_, err = r.GetItem("abc123")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRegistry_RemoveCompleted(t *testing.T) {
	r := openTestRegistry(t)

	done := types.NewDownloadItem("http://example.com/done", "/dl", "done", 1)
	done.RestoreStatus(types.StatusCompleted)
	paused := types.NewDownloadItem("http://example.com/paused", "/dl", "paused", 1)
	paused.RestoreStatus(types.StatusPaused)
	require.NoError(t, r.SaveItem(done))
	require.NoError(t, r.SaveItem(paused))

	n, err := r.RemoveCompleted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := r.LoadItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "paused", items[0].Name)
}
