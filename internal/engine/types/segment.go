package types

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
)

// ByteRange is an inclusive byte range of the remote resource.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Segment is one independently fetched piece of an item: either a byte
// range of the item URL or a single manifest fragment.
type Segment struct {
	Num   int
	Range *ByteRange // nil for fragments and unbounded single-part items
	URL   string
	Path  string
	Merge bool // false for auxiliary files such as decryption keys

	// Key points at the segment holding this fragment's AES-128 key.
	Key *Segment
	IV  []byte

	size       atomic.Int64
	downloaded atomic.Bool
	completed  atomic.Bool
}

// NewSegment returns a mergeable segment with the given expected size.
func NewSegment(num int, rng *ByteRange, url, path string, size int64) *Segment {
	s := &Segment{Num: num, Range: rng, URL: url, Path: path, Merge: true}
	s.size.Store(size)
	return s
}

// Name is the part-file name used in ledgers.
func (s *Segment) Name() string {
	return filepath.Base(s.Path)
}

// Size is the expected size in bytes, 0 when unknown.
func (s *Segment) Size() int64 { return s.size.Load() }

// SetSize records a size learned while fetching.
func (s *Segment) SetSize(n int64) { s.size.Store(n) }

// RangeString returns "start-end" or an empty string for unbounded segments.
func (s *Segment) RangeString() string {
	if s.Range == nil {
		return ""
	}
	return s.Range.String()
}

func (s *Segment) IsDownloaded() bool { return s.downloaded.Load() }
func (s *Segment) IsCompleted() bool  { return s.completed.Load() }

// MarkDownloaded flags the part file as fully fetched.
func (s *Segment) MarkDownloaded() { s.downloaded.Store(true) }

// ResetDownloaded makes the segment eligible for another attempt.
func (s *Segment) ResetDownloaded() { s.downloaded.Store(false) }

// MarkCompleted flags the segment as merged. It is never cleared except by Reset.
func (s *Segment) MarkCompleted() { s.completed.Store(true) }

// Reset clears both flags. Only used for a whole-item restart.
func (s *Segment) Reset() {
	s.downloaded.Store(false)
	s.completed.Store(false)
}
