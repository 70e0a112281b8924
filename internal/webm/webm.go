// Package webm extracts the WebM initialization segment from a recorded
// media chunk so that later chunks can be decoded independently.
package webm

import "bytes"

// ClusterMarker is the EBML element ID that opens a WebM Cluster, the first
// data segment that follows the init segment (EBML header + Segment + Info +
// Tracks). See https://www.webmproject.org/docs/container/ for the element
// table.
var ClusterMarker = []byte{0x1F, 0x43, 0xB6, 0x75}

// fallbackHeaderSize bounds the best-effort header extraction used when a
// chunk's first emission does not contain a Cluster marker within its bulk.
const fallbackHeaderSize = 4096

// SplitHeader locates the first occurrence of ClusterMarker in raw and
// returns the bytes preceding it as the initialization segment. found
// reports whether the marker was located; when it is not, header is the
// first fallbackHeaderSize bytes of raw (or all of raw if shorter).
func SplitHeader(raw []byte) (header []byte, found bool) {
	idx := bytes.Index(raw, ClusterMarker)
	if idx < 0 {
		if len(raw) <= fallbackHeaderSize {
			return append([]byte(nil), raw...), false
		}
		return append([]byte(nil), raw[:fallbackHeaderSize]...), false
	}

	return append([]byte(nil), raw[:idx]...), true
}

// Prepend returns a chunk that is independently decodable: the cached
// initialization segment header followed by the raw bytes of a later
// emission.
func Prepend(header, raw []byte) []byte {
	out := make([]byte, 0, len(header)+len(raw))
	out = append(out, header...)
	out = append(out, raw...)
	return out
}

// HasClusterMarker reports whether b contains at least one Cluster element,
// i.e. at least one data segment. Used by tests to assert self-decodability.
func HasClusterMarker(b []byte) bool {
	return bytes.Contains(b, ClusterMarker)
}
