package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/testutil"
)

func serve(t *testing.T, files map[string]string) string {
	t.Helper()
	origin := testutil.NewOrigin(t, testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, body)
	}))
	return origin.Server.URL
}

func TestResolve_MediaPlaylist(t *testing.T) {
	base := serve(t, map[string]string{
		"/v/index.m3u8": "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4,\nseg0.ts\n#EXTINF:4,\nseg1.ts\n#EXTINF:4,\nhttps://cdn.example.com/seg2.ts\n#EXT-X-ENDLIST\n",
	})

	res, err := NewHLSResolver(http.DefaultClient, "").Resolve(context.Background(), base+"/v/index.m3u8")
	require.NoError(t, err)
	require.Len(t, res.Video, 3)
	assert.Equal(t, base+"/v/seg0.ts", res.Video[0].URL)
	assert.Equal(t, base+"/v/seg1.ts", res.Video[1].URL)
	assert.Equal(t, "https://cdn.example.com/seg2.ts", res.Video[2].URL)
	assert.Empty(t, res.Audio)
}

func TestResolve_MasterFollowsFirstVariantAndAudio(t *testing.T) {
	base := serve(t, map[string]string{
		"/master.m3u8": `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="en",DEFAULT=NO,URI="audio/en-alt.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="en",DEFAULT=YES,URI="audio/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=5000000,CODECS="avc1.640028,mp4a.40.2",AUDIO="aac"
hi/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,AUDIO="aac"
lo/index.m3u8
`,
		"/hi/index.m3u8":     "#EXTM3U\n#EXTINF:4,\na.ts\n#EXTINF:4,\nb.ts\n",
		"/audio/en.m3u8":     "#EXTM3U\n#EXTINF:4,\na.aac\n",
		"/audio/en-alt.m3u8": "#EXTM3U\n#EXTINF:4,\nalt.aac\n",
	})

	res, err := NewHLSResolver(http.DefaultClient, "").Resolve(context.Background(), base+"/master.m3u8")
	require.NoError(t, err)
	require.Len(t, res.Video, 2)
	assert.Equal(t, base+"/hi/a.ts", res.Video[0].URL)
	require.Len(t, res.Audio, 1)
	assert.Equal(t, base+"/audio/a.aac", res.Audio[0].URL)
}

func TestResolve_AES128Keys(t *testing.T) {
	base := serve(t, map[string]string{
		"/enc.m3u8": `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:7
#EXT-X-KEY:METHOD=AES-128,URI="key1.bin"
#EXTINF:4,
s7.ts
#EXT-X-KEY:METHOD=AES-128,URI="key2.bin",IV=0x000102030405060708090a0b0c0d0e0f
#EXTINF:4,
s8.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:4,
s9.ts
`,
	})

	res, err := NewHLSResolver(http.DefaultClient, "").Resolve(context.Background(), base+"/enc.m3u8")
	require.NoError(t, err)
	require.Len(t, res.Video, 3)

	k0 := res.Video[0].Key
	require.NotNil(t, k0)
	assert.Equal(t, base+"/key1.bin", k0.URI)
	assert.Equal(t, sequenceIV(7), k0.IV)

	k1 := res.Video[1].Key
	require.NotNil(t, k1)
	assert.Equal(t, base+"/key2.bin", k1.URI)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, k1.IV)

	assert.Nil(t, res.Video[2].Key)
}

func TestResolve_SampleAESUnsupported(t *testing.T) {
	base := serve(t, map[string]string{
		"/s.m3u8": "#EXTM3U\n#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"k\"\n#EXTINF:4,\na.ts\n",
	})
	_, err := NewHLSResolver(http.DefaultClient, "").Resolve(context.Background(), base+"/s.m3u8")
	assert.True(t, errors.Is(err, types.ErrUnsupportedEncryption), "got %v", err)
}

func TestResolve_InitSegmentFirst(t *testing.T) {
	base := serve(t, map[string]string{
		"/f.m3u8": "#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:4,\n0.m4s\n#EXTINF:4,\n1.m4s\n",
	})
	res, err := NewHLSResolver(http.DefaultClient, "").Resolve(context.Background(), base+"/f.m3u8")
	require.NoError(t, err)
	require.Len(t, res.Video, 3)
	assert.Equal(t, base+"/init.mp4", res.Video[0].URL)
}

func TestResolve_HTTPError(t *testing.T) {
	base := serve(t, map[string]string{})
	_, err := NewHLSResolver(http.DefaultClient, "").Resolve(context.Background(), base+"/missing.m3u8")
	se, ok := types.AsServerError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestResolve_EmptyPlaylist(t *testing.T) {
	base := serve(t, map[string]string{"/e.m3u8": "#EXTM3U\n#EXT-X-ENDLIST\n"})
	res, err := NewHLSResolver(http.DefaultClient, "").Resolve(context.Background(), base+"/e.m3u8")
	require.NoError(t, err)
	assert.Empty(t, res.Video)
}

func TestParseAttributes(t *testing.T) {
	attrs := parseAttributes(`BANDWIDTH=1280000,CODECS="avc1.4d401f,mp4a.40.2",AUDIO="aac",RESOLUTION=640x360`)
	assert.Equal(t, "1280000", attrs["BANDWIDTH"])
	assert.Equal(t, "avc1.4d401f,mp4a.40.2", attrs["CODECS"])
	assert.Equal(t, "aac", attrs["AUDIO"])
	assert.Equal(t, "640x360", attrs["RESOLUTION"])
}

func TestParseIV(t *testing.T) {
	iv, err := parseIV("0x1")
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 15), 1), iv)

	iv, err = parseIV("0X00112233445566778899aabbccddeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x12, 0x23, 0x34, 0x45, 0x56, 0x67, 0x78, 0x89, 0x9a, 0xab, 0xbc, 0xcd, 0xde, 0xef}, iv)

	_, err = parseIV("0xzz")
	assert.Error(t, err)
	_, err = parseIV("0x" + strings.Repeat("ab", 17))
	assert.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	base, _ := url.Parse("https://example.com/path/list.m3u8?token=1")
	got, err := resolveURL(base, "../seg.ts")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/seg.ts", got)
}
