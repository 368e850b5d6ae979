// Package frame implements the length-framed message codec used on the
// control channel and for out-of-band markers on raw text streams.
//
// A frame is a 2-byte sync marker followed by a 4-byte big-endian payload
// length and the payload itself. Decoding never trusts a header blindly: a
// missing marker or an oversized length makes the decoder drop a byte and
// look for the next marker instead of failing the stream.
package frame

import "encoding/binary"

const (
	// HeaderLen is the size of the marker plus the length field.
	HeaderLen = len(marker) + 4

	// DefaultMaxPayload is the ceiling used when none is configured.
	DefaultMaxPayload = 1 << 20
)

// marker never occurs at the start of valid UTF-8, so text and frames can
// share one stream.
var marker = [2]byte{0xFF, 0xA5}

// MarkerByte is the first byte of every frame header.
const MarkerByte = 0xFF

// Encode returns payload with a frame header prepended.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	copy(out, marker[:])
	binary.BigEndian.PutUint32(out[len(marker):HeaderLen], uint32(len(payload)))
	copy(out[HeaderLen:], payload)
	return out
}

// parseHeader validates hdr (at least HeaderLen bytes) and returns the
// declared payload length.
func parseHeader(hdr []byte, max int) (int, bool) {
	if hdr[0] != marker[0] || hdr[1] != marker[1] {
		return 0, false
	}
	n := binary.BigEndian.Uint32(hdr[len(marker):HeaderLen])
	if uint64(n) > uint64(max) {
		return 0, false
	}
	return int(n), true
}
