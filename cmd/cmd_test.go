package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/partdl/internal/config"
	"github.com/surge-downloader/partdl/internal/engine/events"
	"github.com/surge-downloader/partdl/internal/engine/state"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/testutil"
)

func TestParseAt(t *testing.T) {
	now := time.Date(2024, 5, 10, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"15:00", time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC), false},
		{"14:30", time.Date(2024, 5, 11, 14, 30, 0, 0, time.UTC), false},
		{"09:05", time.Date(2024, 5, 11, 9, 5, 0, 0, time.UTC), false},
		{"25:00", time.Time{}, true},
		{"soon", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseAt(tt.in, now)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}
}

func TestReadURLsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := "# mirrors\nhttps://a.example/one.iso\n\n   https://b.example/two.bin  \n#https://skipped.example\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	urls, err := readURLsFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/one.iso", "https://b.example/two.bin"}, urls)

	_, err = readURLsFromFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func listed(t *testing.T) []*types.DownloadItem {
	t.Helper()
	done := types.NewDownloadItem("https://a.example/movie.mkv", "/tmp", "movie.mkv", 2048)
	require.NoError(t, done.Transition(types.StatusDownloading))
	done.SetDownloaded(2048)
	require.NoError(t, done.Transition(types.StatusCompleted))

	paused := types.NewDownloadItem("https://b.example/a-rather-long-file-name-for-the-table.iso", "/tmp", "a-rather-long-file-name-for-the-table.iso", 0)
	paused.RestoreStatus(types.StatusPaused)
	return []*types.DownloadItem{done, paused}
}

func TestPrintItems_Table(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printItems(&out, listed(t), false))

	text := out.String()
	assert.Contains(t, text, "FILENAME")
	assert.Contains(t, text, "movie.mkv")
	assert.Contains(t, text, "completed")
	assert.Contains(t, text, "100%")
	assert.Contains(t, text, "a-rather-long-file-name-for...")
	assert.Contains(t, text, "paused")

	out.Reset()
	require.NoError(t, printItems(&out, nil, false))
	assert.Contains(t, out.String(), "No downloads found.")
}

func TestPrintItems_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printItems(&out, listed(t), true))

	var views []itemView
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "movie.mkv", views[0].Name)
	assert.Equal(t, "completed", views[0].Status)
	assert.Equal(t, float64(100), views[0].Progress)
	assert.Equal(t, "paused", views[1].Status)

	out.Reset()
	require.NoError(t, printItems(&out, nil, true))
	assert.JSONEq(t, "[]", out.String())
}

func TestSummarize(t *testing.T) {
	ok := types.NewDownloadItem("u", "/tmp", "ok", 1)
	ok.RestoreStatus(types.StatusCompleted)
	failed := types.NewDownloadItem("u", "/tmp", "failed", 1)
	failed.RestoreStatus(types.StatusError)

	assert.NoError(t, summarize([]*types.DownloadItem{ok}))
	assert.Error(t, summarize([]*types.DownloadItem{ok, failed}))
}

func TestConsumeHeadless(t *testing.T) {
	ch := make(chan any, 8)
	ch <- events.DownloadStartedMsg{ItemID: 0, Filename: "a.bin", Total: 1024}
	ch <- events.DownloadCompleteMsg{ItemID: 0, Filename: "a.bin", Elapsed: 2 * time.Second}
	ch <- events.DownloadErrorMsg{ItemID: 1, Err: errors.New("boom")}
	ch <- events.ProgressMsg{ItemID: 0}
	close(ch)

	var out bytes.Buffer
	consumeHeadless(ch, make(chan struct{}), &out, func(id int) string { return "item-b" })

	text := out.String()
	assert.Contains(t, text, "Started:   a.bin (1.0 KiB)")
	assert.Contains(t, text, "Completed: a.bin in 2s")
	assert.Contains(t, text, "Error:     item-b: boom")
}

func TestGetCommand_Quiet(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Cleanup(closeState)
	origin := testutil.NewOrigin(t, testutil.WithSize(300*1024), testutil.WithFilename("archive.tar"))
	dir := t.TempDir()

	rootCmd.SetArgs([]string{"get", origin.URL(), "-o", dir, "-q", "-c", "4", "--part-size", "64KiB"})
	require.NoError(t, rootCmd.Execute())

	data, err := os.ReadFile(filepath.Join(dir, "archive.tar"))
	require.NoError(t, err)
	assert.Equal(t, origin.Data(), data)

	registry, err := state.Open(filepath.Join(config.GetStateDir(), "partdl.db"))
	require.NoError(t, err)
	defer registry.Close()
	items, err := registry.LoadItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.StatusCompleted, items[0].Status())
	assert.Equal(t, int64(64*1024), items[0].PartSize)
}

func TestGetCommand_NoURLs(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Cleanup(closeState)
	rootCmd.SetArgs([]string{"get", "-o", t.TempDir()})
	assert.Error(t, rootCmd.Execute())
}
