package types

import (
	"path/filepath"
	"strconv"
)

// Fragment is one media fragment listed by a manifest.
type Fragment struct {
	URL string
	Key *KeyInfo
}

// KeyInfo describes how a fragment is encrypted.
type KeyInfo struct {
	Method string // only "AES-128" is supported
	URI    string
	IV     []byte
}

// PartPath returns the part file for segment num inside folder.
func PartPath(folder string, num int, suffix string) string {
	return filepath.Join(folder, strconv.Itoa(num)+suffix)
}

// PlanSegments splits [0, size-1] into contiguous ranges of partSize bytes,
// the last one absorbing the remainder. An unknown size or a server without
// range support yields a single unbounded segment.
func PlanSegments(size, partSize int64, resumable bool, url, folder, suffix string) []*Segment {
	// size 0 is unknown, fetched by one open-ended request
	if size <= 0 || !resumable {
		return []*Segment{NewSegment(0, nil, url, PartPath(folder, 0, suffix), max(size, 0))}
	}
	if partSize <= 0 || partSize > size {
		partSize = size
	}

	count := int((size + partSize - 1) / partSize)
	segments := make([]*Segment, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * partSize
		end := min(start+partSize, size) - 1
		rng := &ByteRange{Start: start, End: end}
		segments = append(segments, NewSegment(i, rng, url, PartPath(folder, i, suffix), rng.Len()))
	}
	return segments
}

// PlanFragments builds one segment per fragment in manifest order. Each
// distinct key URI gets a non-merge segment placed before its first user.
func PlanFragments(frags []Fragment, folder, suffix string) []*Segment {
	segments := make([]*Segment, 0, len(frags))
	keys := make(map[string]*Segment)

	for _, f := range frags {
		var keySeg *Segment
		if f.Key != nil {
			keySeg = keys[f.Key.URI]
			if keySeg == nil {
				num := len(segments)
				keySeg = NewSegment(num, nil, f.Key.URI, PartPath(folder, num, suffix), 0)
				keySeg.Merge = false
				keys[f.Key.URI] = keySeg
				segments = append(segments, keySeg)
			}
		}

		num := len(segments)
		seg := NewSegment(num, nil, f.URL, PartPath(folder, num, suffix), 0)
		if keySeg != nil {
			seg.Key = keySeg
			seg.IV = f.Key.IV
		}
		segments = append(segments, seg)
	}
	return segments
}
