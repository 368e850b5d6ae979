package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("hello"),
		{0xFF, 0xA5, 0x00, 0x00, 0x00, 0x01},
		bytes.Repeat([]byte{0xFF}, 300),
		bytes.Repeat([]byte("x"), 70000),
	}

	for _, p := range payloads {
		dec := NewDecoder(NewBufferSource(Encode(p)), 0)
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, p, got)
		assert.Zero(t, dec.Skipped())

		_, err = dec.Decode()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestDecoder_ResyncOverJunk(t *testing.T) {
	junk := []byte("\x1b[0mnoise\xff\xff\x00garbage\xffz")
	var stream []byte
	stream = append(stream, Encode([]byte("first"))...)
	stream = append(stream, junk...)
	stream = append(stream, Encode([]byte("second"))...)

	dec := NewDecoder(NewBufferSource(stream), 0)

	p1, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "first", string(p1))

	p2, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "second", string(p2))
	assert.Equal(t, int64(len(junk)), dec.Skipped())

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_OversizedLengthIsCorruption(t *testing.T) {
	bogus := []byte{0xFF, 0xA5}
	bogus = binary.BigEndian.AppendUint32(bogus, 1<<30)
	stream := append(bogus, Encode([]byte("ok"))...)

	dec := NewDecoder(NewBufferSource(stream), 1024)
	got, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
	assert.Equal(t, int64(len(bogus)), dec.Skipped())
}

func TestDecoder_TruncatedFrame(t *testing.T) {
	enc := Encode([]byte("truncated"))
	src := NewBufferSource(enc[:len(enc)-3])
	dec := NewDecoder(src, 0)

	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// The rest arrives later; decoding resumes where it stopped.
	src.Append(enc[len(enc)-3:])
	got, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "truncated", string(got))
}

func TestDecoder_ReaderSource(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode([]byte("a")))
	buf.WriteString("junk")
	buf.Write(Encode([]byte("b")))

	dec := NewDecoder(NewReaderSource(&buf), 0)
	for _, want := range []string{"a", "b"} {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDemux_MixedStream(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("1+1\n")
	buf.Write(Encode([]byte(`{"type":"complete"}`)))
	buf.WriteString("x = 2\n")
	buf.Write([]byte{0xFF, 'q'})

	dm := NewDemux(&buf, 0)
	var text bytes.Buffer
	var frames []string
	for {
		c, err := dm.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if c.Frame {
			frames = append(frames, string(c.Data))
			continue
		}
		text.Write(c.Data)
	}

	assert.Equal(t, []string{`{"type":"complete"}`}, frames)
	assert.Equal(t, "1+1\nx = 2\n\xffq", text.String())
}

func TestDemux_StrayMarkerDoesNotWaitForHeader(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	go pw.Write([]byte{0xFF, 'A'})

	dm := NewDemux(pr, 0)
	got := make(chan []byte, 1)
	go func() {
		var text []byte
		for len(text) < 2 {
			c, err := dm.Next()
			if err != nil {
				break
			}
			text = append(text, c.Data...)
		}
		got <- text
	}()

	select {
	case text := <-got:
		assert.Equal(t, []byte{0xFF, 'A'}, text)
	case <-time.After(time.Second):
		t.Fatal("demux held back text waiting for a frame header")
	}
}
