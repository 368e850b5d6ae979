package frame

import (
	"bufio"
	"bytes"
	"io"
)

// Chunk is one piece of a mixed stream: either raw text or a frame payload.
type Chunk struct {
	Data  []byte
	Frame bool
}

// Demux separates frames embedded in an otherwise raw byte stream, such as
// a line-oriented console connection or terminal input. Bytes that do not
// form a valid header are passed through as text.
type Demux struct {
	r   *bufio.Reader
	max int
}

// NewDemux reads from r. A maxPayload of zero or less selects
// DefaultMaxPayload.
func NewDemux(r io.Reader, maxPayload int) *Demux {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	br, ok := r.(*bufio.Reader)
	if !ok || br.Size() < HeaderLen {
		br = bufio.NewReader(r)
	}
	return &Demux{r: br, max: maxPayload}
}

// Next blocks until the next chunk is available.
func (d *Demux) Next() (Chunk, error) {
	first, err := d.r.Peek(1)
	if err != nil {
		return Chunk{}, err
	}

	if first[0] != MarkerByte {
		return d.text()
	}

	// Decide from what is already buffered when possible, so a stray
	// marker byte followed by ordinary input is not held back waiting for
	// a full header.
	if d.r.Buffered() >= len(marker) {
		if b, _ := d.r.Peek(len(marker)); b[1] != marker[1] {
			c, _ := d.r.ReadByte()
			return Chunk{Data: []byte{c}}, nil
		}
	}

	hdr, err := d.r.Peek(HeaderLen)
	if err != nil {
		// Stream ends inside a would-be header: hand back what is left.
		return d.text()
	}
	n, ok := parseHeader(hdr, d.max)
	if !ok {
		b, _ := d.r.ReadByte()
		return Chunk{Data: []byte{b}}, nil
	}
	if _, err := d.r.Discard(HeaderLen); err != nil {
		return Chunk{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Chunk{}, err
	}
	return Chunk{Data: payload, Frame: true}, nil
}

// text returns buffered bytes up to (not including) the next marker byte.
// The first byte is always consumed so the stream makes progress.
func (d *Demux) text() (Chunk, error) {
	avail := d.r.Buffered()
	if avail == 0 {
		avail = 1
	}
	buf, err := d.r.Peek(avail)
	if len(buf) == 0 {
		return Chunk{}, err
	}
	n := len(buf)
	if i := bytes.IndexByte(buf[1:], MarkerByte); i >= 0 {
		n = i + 1
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	_, _ = d.r.Discard(n)
	return Chunk{Data: out}, nil
}
