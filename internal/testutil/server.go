// Package testutil provides an HTTP origin for exercising the download engine.
package testutil

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Origin serves one in-memory file with optional range support and injected
// faults. Counters are safe to read while requests are in flight.
type Origin struct {
	Server *httptest.Server

	Size           int64
	Ranges         bool
	ContentType    string
	Filename       string
	Latency        time.Duration
	ByteDelay      time.Duration // sleep per 32KB chunk
	FailAfterBytes int64         // per request; 0 disables
	IgnoreRanges   bool          // answer ranged GETs with 200 and the whole body

	Requests      atomic.Int64
	RangeRequests atomic.Int64
	BytesServed   atomic.Int64

	mu       sync.Mutex
	faults   map[int64][]int // range start -> queued status codes
	statusFn func(r *http.Request) int
	handler  http.HandlerFunc
	data     []byte
}

// Option configures an Origin.
type Option func(*Origin)

func WithSize(n int64) Option { return func(o *Origin) { o.Size = n } }
func WithRanges(enabled bool) Option { return func(o *Origin) { o.Ranges = enabled } }
func WithFilename(name string) Option { return func(o *Origin) { o.Filename = name } }
func WithContentType(ct string) Option { return func(o *Origin) { o.ContentType = ct } }
func WithLatency(d time.Duration) Option { return func(o *Origin) { o.Latency = d } }

// WithChunkDelay slows the body down by d per 32KB written.
func WithChunkDelay(d time.Duration) Option { return func(o *Origin) { o.ByteDelay = d } }

// WithFailAfterBytes cuts every response body after n bytes.
func WithFailAfterBytes(n int64) Option { return func(o *Origin) { o.FailAfterBytes = n } }

// WithIgnoredRanges makes the origin answer every GET with 200.
func WithIgnoredRanges() Option { return func(o *Origin) { o.IgnoreRanges = true } }

// WithData serves data instead of generated random bytes.
func WithData(data []byte) Option {
	return func(o *Origin) {
		o.data = data
		o.Size = int64(len(data))
	}
}

// WithStatus lets fn choose a status code per request; 0 means serve
// normally.
func WithStatus(fn func(r *http.Request) int) Option {
	return func(o *Origin) { o.statusFn = fn }
}

// WithHandler replaces the file-serving logic entirely.
func WithHandler(h http.HandlerFunc) Option { return func(o *Origin) { o.handler = h } }

// NewOrigin starts an Origin on an IPv4 loopback listener and closes it when
// the test ends.
func NewOrigin(t testing.TB, opts ...Option) *Origin {
	t.Helper()
	o := &Origin{
		Size:        1024 * 1024,
		Ranges:      true,
		ContentType: "application/octet-stream",
		Filename:    "testfile.bin",
		faults:      make(map[int64][]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.data == nil {
		o.data = make([]byte, o.Size)
		_, _ = rand.Read(o.data)
	}

	o.Server = newIPv4Server(t, http.HandlerFunc(o.serve))
	t.Cleanup(o.Server.Close)
	return o
}

// URL is the address of the served file.
func (o *Origin) URL() string { return o.Server.URL + "/" + o.Filename }

// Data returns the bytes the origin serves.
func (o *Origin) Data() []byte { return o.data }

// FailRange queues status codes for requests whose range starts at start.
// Each matching request consumes one code.
func (o *Origin) FailRange(start int64, codes ...int) {
	o.mu.Lock()
	o.faults[start] = append(o.faults[start], codes...)
	o.mu.Unlock()
}

func (o *Origin) nextFault(start int64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.faults[start]
	if len(q) == 0 {
		return 0
	}
	o.faults[start] = q[1:]
	return q[0]
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.Requests.Add(1)
	if o.handler != nil {
		o.handler(w, r)
		return
	}
	if o.Latency > 0 {
		time.Sleep(o.Latency)
	}
	if o.statusFn != nil {
		if code := o.statusFn(r); code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
	}

	start, end := int64(0), o.Size-1
	ranged := r.Header.Get("Range") != "" && o.Ranges && !o.IgnoreRanges
	if ranged {
		o.RangeRequests.Add(1)
		var err error
		start, end, err = ParseRange(r.Header.Get("Range"), o.Size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", o.Size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}
	if code := o.nextFault(start); code != 0 {
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		http.Error(w, http.StatusText(code), code)
		return
	}

	w.Header().Set("Content-Type", o.ContentType)
	if o.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, o.Filename))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if ranged {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, o.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		if o.Ranges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}
	if r.Method == http.MethodHead {
		return
	}

	const chunk = 32 * 1024
	var written int64
	for pos := start; pos <= end; {
		if o.FailAfterBytes > 0 && written >= o.FailAfterBytes {
			panic(http.ErrAbortHandler)
		}
		next := min(pos+chunk, end+1)
		if o.FailAfterBytes > 0 {
			next = min(next, pos+o.FailAfterBytes-written)
		}
		n, err := w.Write(o.data[pos:next])
		if err != nil {
			return
		}
		pos += int64(n)
		written += int64(n)
		o.BytesServed.Add(int64(n))
		if o.ByteDelay > 0 {
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			time.Sleep(o.ByteDelay)
		}
	}
}

// ParseRange parses "bytes=start-end", "bytes=start-" and "bytes=-suffix".
func ParseRange(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error
	switch {
	case first == "":
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start, end = size-n, size-1
	default:
		if start, err = strconv.ParseInt(first, 10, 64); err != nil {
			return 0, 0, err
		}
		end = size - 1
		if last != "" {
			if end, err = strconv.ParseInt(last, 10, 64); err != nil {
				return 0, 0, err
			}
			end = min(end, size-1)
		}
	}
	if start < 0 || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}

// newIPv4Server binds to 127.0.0.1 explicitly; some CI sandboxes have no
// IPv6 loopback. The test is skipped when no listener can be opened.
func newIPv4Server(t testing.TB, h http.Handler) *httptest.Server {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen on loopback: %v", err)
	}
	s := &httptest.Server{Listener: l, Config: &http.Server{Handler: h}}
	s.Start()
	return s
}
