// Package wire implements the length-prefixed framing used on every
// signaling connection: a 4-byte big-endian length followed by that many
// bytes of ciphertext.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4
	// MaxFrameSize bounds a single frame payload.
	MaxFrameSize = 1 << 20
)

var (
	// ErrConnectionClosed means the peer closed the stream between frames.
	ErrConnectionClosed = errors.New("wire: connection closed")
	// ErrProtocol means the stream carried a truncated or oversized frame.
	ErrProtocol = errors.New("wire: protocol error")
	// ErrFrameTooLarge is returned by WriteMessage before anything is written.
	ErrFrameTooLarge = errors.New("wire: frame too large")
	// ErrIO wraps failures of the underlying stream.
	ErrIO = errors.New("wire: i/o error")
)

type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// EncodeFrame returns the length-prefixed encoding of payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// WriteMessage writes one frame as a single buffer.
func WriteMessage(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: short write", ErrIO)
		}
		total += n
	}
	return nil
}

// ReadMessage reads one complete frame.
//
// With a positive timeout and a reader that supports read deadlines, an idle
// stream yields (nil, nil): no message, and the stream remains usable. A
// timeout or EOF after part of a frame was consumed is ErrProtocol. EOF
// before any byte is ErrConnectionClosed. The payload of a zero-length frame
// is an empty, non-nil slice.
func ReadMessage(r io.Reader, timeout time.Duration) ([]byte, error) {
	if dr, ok := r.(deadlineReader); ok && timeout > 0 {
		_ = dr.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = dr.SetReadDeadline(time.Time{}) }()
	}

	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		switch {
		case n == 0 && isTimeout(err):
			return nil, nil
		case n == 0 && errors.Is(err, io.EOF):
			return nil, ErrConnectionClosed
		case n > 0 && (isTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF)):
			return nil, fmt.Errorf("%w: truncated header (%d of %d bytes)", ErrProtocol, n, HeaderSize)
		case errors.Is(err, net.ErrClosed):
			return nil, ErrConnectionClosed
		default:
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrProtocol, size, MaxFrameSize)
	}

	payload := make([]byte, int(size))
	if size == 0 {
		return payload, nil
	}
	if m, err := io.ReadFull(r, payload); err != nil {
		if isTimeout(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload (%d of %d bytes)", ErrProtocol, m, size)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return payload, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
