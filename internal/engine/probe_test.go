package engine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/testutil"
)

func probe(t *testing.T, url, hint string) (*ProbeResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ProbeServer(ctx, http.DefaultClient, url, hint, "partdl-test")
}

func TestProbeServer_RangeSupport(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(123456), testutil.WithFilename("movie.mkv"))

	res, err := probe(t, origin.URL(), "")
	require.NoError(t, err)
	assert.True(t, res.SupportsRange)
	assert.Equal(t, int64(123456), res.FileSize)
	assert.Equal(t, http.StatusPartialContent, res.StatusCode)
	assert.Equal(t, "movie.mkv", res.Filename)
	assert.Equal(t, origin.URL(), res.EffectiveURL)
}

func TestProbeServer_NoRangeSupport(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(4096), testutil.WithRanges(false))

	res, err := probe(t, origin.URL(), "")
	require.NoError(t, err)
	assert.False(t, res.SupportsRange)
	assert.Equal(t, int64(4096), res.FileSize)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestProbeServer_FilenameHint(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(100), testutil.WithFilename("server.bin"))

	res, err := probe(t, origin.URL(), "mine/../custom.iso")
	require.NoError(t, err)
	assert.NotContains(t, res.Filename, "/")
	assert.Contains(t, res.Filename, "custom.iso")
}

func TestProbeServer_FollowsRedirect(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithSize(2048), testutil.WithFilename("final.zip"))
	redirect := testutil.NewOrigin(t, testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, origin.URL(), http.StatusFound)
	}))

	res, err := probe(t, redirect.Server.URL+"/start", "")
	require.NoError(t, err)
	assert.Equal(t, origin.URL(), res.EffectiveURL)
	assert.Equal(t, int64(2048), res.FileSize)
}

func TestProbeServer_ServerError(t *testing.T) {
	origin := testutil.NewOrigin(t, testutil.WithStatus(func(r *http.Request) int { return http.StatusForbidden }))

	_, err := probe(t, origin.URL(), "")
	se, ok := types.AsServerError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
}

func TestProbeServer_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ProbeServer(ctx, http.DefaultClient, "http://127.0.0.1:1/file", "", "")
	assert.Error(t, err)
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"bytes 0-0/1000", 1000},
		{"bytes 0-0/*", 0},
		{"", 0},
		{"bytes 0-0/-5", 0},
		{"bytes 0-0/ 42", 42},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseContentRangeTotal(tt.in), tt.in)
	}
}
