package frame

import (
	"bufio"
	"io"
)

// Source is a pull-based byte supplier. Next returns the next n bytes; it
// returns fewer only together with a non-nil error once the underlying data
// is exhausted.
type Source interface {
	Next(n int) ([]byte, error)
}

// ReaderSource adapts any io.Reader (socket, file, pipe) to a Source.
type ReaderSource struct {
	r *bufio.Reader
}

// NewReaderSource wraps r. An existing *bufio.Reader is used as is so that
// bytes already buffered for other consumers are not lost.
func NewReaderSource(r io.Reader) *ReaderSource {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ReaderSource{r: br}
}

// Next implements Source.
func (s *ReaderSource) Next(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(s.r, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return buf[:got], err
}

// BufferSource serves bytes from memory.
type BufferSource struct {
	data []byte
}

// NewBufferSource returns a Source over a copy-free view of data.
func NewBufferSource(data []byte) *BufferSource {
	return &BufferSource{data: data}
}

// Next implements Source.
func (s *BufferSource) Next(n int) ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	if n > len(s.data) {
		out := s.data
		s.data = nil
		return out, io.EOF
	}
	out := s.data[:n]
	s.data = s.data[n:]
	return out, nil
}

// Append adds more bytes to the end of the buffer.
func (s *BufferSource) Append(data []byte) {
	s.data = append(s.data, data...)
}

// Len reports the number of unread bytes.
func (s *BufferSource) Len() int {
	return len(s.data)
}
