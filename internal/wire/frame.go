// Package wire implements the length-prefixed, tagged-message framing
// used on the protocol's TCP/TLS connections.
//
// Every message is a big-endian uint32 length prefix followed by that many
// bytes of payload. Reading is always read-exactly: 4 bytes for the
// prefix, then exactly that many payload bytes. A short read at either
// stage, or a payload the parser cannot decode, is a fatal connection
// error — there is no resynchronization within a stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds the length prefix the codec will accept, guarding
// against a peer claiming an absurd payload size and exhausting memory.
const MaxFrameBytes = 16 << 20 // 16 MiB

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as a single length-prefixed frame. The
// implementation issues one Write call covering the prefix and payload
// together, so a partial write at the transport layer cannot interleave
// with a concurrent writer on the same connection.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}
