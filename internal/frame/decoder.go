package frame

import (
	"bytes"
	"io"
)

// Decoder extracts frames from a Source. It holds no knowledge of sockets:
// everything it does is a function of the bytes the Source hands it.
type Decoder struct {
	src     Source
	max     int
	pending []byte
	skipped int64
}

// NewDecoder creates a decoder reading from src. A maxPayload of zero or less
// selects DefaultMaxPayload.
func NewDecoder(src Source, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{src: src, max: maxPayload}
}

// Decode returns the payload of the next complete frame. It returns io.EOF
// when the source is exhausted between frames and io.ErrUnexpectedEOF when
// it is exhausted part way through one. Junk between frames is skipped.
func (d *Decoder) Decode() ([]byte, error) {
	for {
		if err := d.fill(HeaderLen); err != nil {
			return nil, err
		}

		n, ok := parseHeader(d.pending, d.max)
		if !ok {
			d.resync()
			continue
		}

		if err := d.fill(HeaderLen + n); err != nil {
			return nil, err
		}
		payload := make([]byte, n)
		copy(payload, d.pending[HeaderLen:HeaderLen+n])
		d.pending = d.pending[HeaderLen+n:]
		return payload, nil
	}
}

// Skipped reports how many bytes have been discarded while resynchronizing.
func (d *Decoder) Skipped() int64 {
	return d.skipped
}

// fill pulls from the source until at least n bytes are pending.
func (d *Decoder) fill(n int) error {
	for len(d.pending) < n {
		chunk, err := d.src.Next(n - len(d.pending))
		d.pending = append(d.pending, chunk...)
		if err != nil {
			if len(d.pending) >= n {
				return nil
			}
			if len(d.pending) == 0 && err == io.EOF {
				return io.EOF
			}
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// resync drops the leading byte and everything up to the next byte that
// could start a marker.
func (d *Decoder) resync() {
	drop := 1
	if i := bytes.IndexByte(d.pending[1:], marker[0]); i >= 0 {
		drop += i
	} else {
		drop = len(d.pending)
	}
	d.skipped += int64(drop)
	d.pending = d.pending[drop:]
}
