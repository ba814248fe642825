package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

const (
	probeAttempts = 3
	probeSniffLen = 512
)

// ProbeResult contains all metadata from the server probe.
type ProbeResult struct {
	EffectiveURL  string
	FileSize      int64 // 0 when the server does not say
	SupportsRange bool
	Filename      string
	ContentType   string
	StatusCode    int
}

// ProbeServer sends GET with Range: bytes=0-0 to learn the resource size,
// range support and final URL after redirects. filenameHint, when set,
// overrides the name derived from the response.
func ProbeServer(ctx context.Context, client *http.Client, rawurl, filenameHint, userAgent string) (*ProbeResult, error) {
	utils.Debug("Probing server: %s", rawurl)

	var resp *http.Response
	var err error
	for i := 0; i < probeAttempts; i++ {
		if i > 0 {
			utils.Debug("Retrying probe... attempt %d", i+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}

		resp, err = probeOnce(ctx, client, rawurl, userAgent)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("probe request failed after retries: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*types.KB))
		resp.Body.Close()
	}()

	utils.Debug("Probe response status: %d", resp.StatusCode)

	result := &ProbeResult{
		EffectiveURL: rawurl,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		result.EffectiveURL = resp.Request.URL.String()
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.SupportsRange = true
		result.FileSize = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		result.FileSize = max(resp.ContentLength, 0)
	default:
		if types.IsServerErrorStatus(resp.StatusCode) {
			return nil, &types.ServerError{StatusCode: resp.StatusCode, URL: rawurl}
		}
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sniff := make([]byte, probeSniffLen)
	n, _ := io.ReadFull(resp.Body, sniff)
	sniff = sniff[:n]

	if filenameHint != "" {
		result.Filename = utils.SanitizeFilename(filenameHint)
	} else {
		result.Filename = utils.ResolveFilename(result.EffectiveURL, resp.Header, sniff)
	}

	utils.Debug("Probe complete - filename: %s, size: %d, range: %v",
		result.Filename, result.FileSize, result.SupportsRange)
	return result, nil
}

func probeOnce(ctx context.Context, client *http.Client, rawurl, userAgent string) (*http.Response, error) {
	probeCtx, cancel := context.WithTimeout(ctx, types.ProbeTimeout)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rawurl, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// parseContentRangeTotal extracts TOTAL from "bytes 0-0/TOTAL"; "*" or a
// malformed header yields 0.
func parseContentRangeTotal(v string) int64 {
	idx := strings.LastIndex(v, "/")
	if idx == -1 {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(v[idx+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}
