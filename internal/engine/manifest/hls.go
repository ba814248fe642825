// Package manifest turns streaming playlists into fragment lists.
package manifest

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

const (
	maxPlaylistSize = 8 * types.MB
	maxNesting      = 3
)

// Result is a resolved playlist. Audio is set when the variant references
// a separate audio rendition.
type Result struct {
	Video []types.Fragment
	Audio []types.Fragment
}

// Resolver fetches and flattens a manifest.
type Resolver interface {
	Resolve(ctx context.Context, rawurl string) (*Result, error)
}

// HLSResolver resolves HLS (m3u8) playlists. Master playlists are reduced
// to their first variant.
type HLSResolver struct {
	Client    *http.Client
	UserAgent string
}

func NewHLSResolver(client *http.Client, userAgent string) *HLSResolver {
	return &HLSResolver{Client: client, UserAgent: userAgent}
}

func (r *HLSResolver) Resolve(ctx context.Context, rawurl string) (*Result, error) {
	return r.resolve(ctx, rawurl, 0)
}

func (r *HLSResolver) resolve(ctx context.Context, rawurl string, depth int) (*Result, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("playlist nesting too deep at %s", rawurl)
	}

	base, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid playlist URL: %w", err)
	}
	content, err := r.fetch(ctx, rawurl)
	if err != nil {
		return nil, err
	}

	pl, err := parse(content, base)
	if err != nil {
		return nil, err
	}

	if len(pl.variants) == 0 {
		utils.Debug("manifest: %d fragments in %s", len(pl.fragments), rawurl)
		return &Result{Video: pl.fragments}, nil
	}

	variant := pl.variants[0]
	utils.Debug("manifest: master playlist, following %s", variant.uri)
	res, err := r.resolve(ctx, variant.uri, depth+1)
	if err != nil {
		return nil, err
	}
	if audioURI := pl.audioFor(variant.audioGroup); audioURI != "" && len(res.Audio) == 0 {
		audio, err := r.resolve(ctx, audioURI, depth+1)
		if err != nil {
			return nil, fmt.Errorf("audio rendition: %w", err)
		}
		res.Audio = audio.Video
	}
	return res, nil
}

func (r *HLSResolver) fetch(ctx context.Context, rawurl string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if types.IsServerErrorStatus(resp.StatusCode) {
			return "", &types.ServerError{StatusCode: resp.StatusCode, URL: rawurl}
		}
		return "", fmt.Errorf("playlist returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return "", fmt.Errorf("error reading playlist: %w", err)
	}
	return string(body), nil
}

type variant struct {
	uri        string
	audioGroup string
}

type rendition struct {
	group, uri string
	isDefault  bool
}

type playlist struct {
	fragments []types.Fragment
	variants  []variant
	audio     []rendition
}

// audioFor picks the default audio rendition of group, else its first one.
func (p *playlist) audioFor(group string) string {
	var first string
	for _, a := range p.audio {
		if group != "" && a.group != group {
			continue
		}
		if a.isDefault {
			return a.uri
		}
		if first == "" {
			first = a.uri
		}
	}
	return first
}

func parse(content string, base *url.URL) (*playlist, error) {
	pl := &playlist{}
	var (
		seq         uint64
		key         *types.KeyInfo
		pendingInf  *variant
		initApplied bool
	)

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err == nil {
				seq = n
			}
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			pendingInf = &variant{audioGroup: attrs["AUDIO"]}
		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			if attrs["TYPE"] == "AUDIO" && attrs["URI"] != "" {
				uri, err := resolveURL(base, attrs["URI"])
				if err != nil {
					return nil, err
				}
				pl.audio = append(pl.audio, rendition{
					group:     attrs["GROUP-ID"],
					uri:       uri,
					isDefault: attrs["DEFAULT"] == "YES",
				})
			}
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			k, err := parseKey(strings.TrimPrefix(line, "#EXT-X-KEY:"), base)
			if err != nil {
				return nil, err
			}
			key = k
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MAP:"))
			if attrs["URI"] != "" && !initApplied {
				uri, err := resolveURL(base, attrs["URI"])
				if err != nil {
					return nil, err
				}
				pl.fragments = append(pl.fragments, types.Fragment{URL: uri})
				initApplied = true
			}
		case strings.HasPrefix(line, "#"):
		default:
			uri, err := resolveURL(base, line)
			if err != nil {
				return nil, fmt.Errorf("error resolving URL: %w", err)
			}
			if pendingInf != nil {
				pendingInf.uri = uri
				pl.variants = append(pl.variants, *pendingInf)
				pendingInf = nil
				continue
			}
			frag := types.Fragment{URL: uri}
			if key != nil {
				k := *key
				if k.IV == nil {
					k.IV = sequenceIV(seq)
				}
				frag.Key = &k
			}
			pl.fragments = append(pl.fragments, frag)
			seq++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning playlist: %w", err)
	}
	return pl, nil
}

// parseKey returns nil for METHOD=NONE.
func parseKey(raw string, base *url.URL) (*types.KeyInfo, error) {
	attrs := parseAttributes(raw)
	switch method := attrs["METHOD"]; method {
	case "", "NONE":
		return nil, nil
	case "AES-128":
		if attrs["URI"] == "" {
			return nil, fmt.Errorf("AES-128 key without URI")
		}
		uri, err := resolveURL(base, attrs["URI"])
		if err != nil {
			return nil, err
		}
		k := &types.KeyInfo{Method: method, URI: uri}
		if iv := attrs["IV"]; iv != "" {
			b, err := parseIV(iv)
			if err != nil {
				return nil, err
			}
			k.IV = b
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnsupportedEncryption, method)
	}
}

func parseIV(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	digits := s
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hex.DecodeString(digits)
	if err != nil || len(b) > 16 {
		return nil, fmt.Errorf("invalid IV %q", s)
	}
	iv := make([]byte, 16)
	copy(iv[16-len(b):], b)
	return iv, nil
}

// sequenceIV is the implicit IV: the media sequence number as a 128-bit
// big-endian integer.
func sequenceIV(seq uint64) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], seq)
	return iv
}

// parseAttributes splits an attribute list like
// BANDWIDTH=1280000,CODECS="avc1,mp4a",AUDIO="aac".
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		name := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value, s = s[1:], ""
			} else {
				value, s = s[1:end+1], s[end+2:]
			}
			s = strings.TrimPrefix(s, ",")
		} else {
			comma := strings.IndexByte(s, ',')
			if comma < 0 {
				value, s = s, ""
			} else {
				value, s = s[:comma], s[comma+1:]
			}
		}
		attrs[name] = strings.TrimSpace(value)
	}
	return attrs
}

func resolveURL(base *url.URL, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}
