package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripSizes(t *testing.T) {
	for _, size := range []int{0, 1, 17, 4096, 65536, MaxFrameSize} {
		payload := bytes.Repeat([]byte{0x5a}, size)
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, payload), "size %d", size)
		assert.Equal(t, HeaderSize+size, buf.Len())

		got, err := ReadMessage(&buf, 0)
		require.NoError(t, err, "size %d", size)
		require.NotNil(t, got)
		assert.Equal(t, payload, got)
	}
}

func TestWriteOversizeWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

type trickleWriter struct{ buf bytes.Buffer }

func (w *trickleWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return w.buf.Write(p[:1])
}

func TestWriteHandlesShortWrites(t *testing.T) {
	w := &trickleWriter{}
	require.NoError(t, WriteMessage(w, []byte("hello")))
	got, err := ReadMessage(&w.buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadTimeoutLeavesStreamUsable(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	got, err := ReadMessage(a, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	go func() { _ = WriteMessage(b, []byte("after timeout")) }()

	got, err = ReadMessage(a, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("after timeout"), got)
}

func TestReadCleanClose(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	require.NoError(t, b.Close())

	_, err := ReadMessage(a, time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReadTruncatedFrame(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], 10)

	r := bytes.NewReader(append(hdr[:], 1, 2, 3))
	_, err := ReadMessage(r, 0)
	assert.ErrorIs(t, err, ErrProtocol)

	r = bytes.NewReader(hdr[:2])
	_, err = ReadMessage(r, 0)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadPartialFrameTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		var hdr [HeaderSize]byte
		binary.BigEndian.PutUint32(hdr[:], 8)
		_, _ = b.Write(hdr[:])
		_, _ = b.Write([]byte{1, 2})
	}()

	_, err := ReadMessage(a, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadDeclaredLengthTooLarge(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := ReadMessage(bytes.NewReader(hdr[:]), 0)
	assert.ErrorIs(t, err, ErrProtocol)
}
