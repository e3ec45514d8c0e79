// Package wire defines the Session and SignalMessage payloads exchanged
// over the rendezvous overlay's ALPN streams (§4.B, §4.C, §6.2), and their
// stable binary framing: a little-endian uint32 length prefix followed by
// a JSON-encoded payload, bounded to MaxPayloadSize bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kuuji/discard/internal/errs"
)

// MaxPayloadSize is the largest framed payload the wire protocol accepts.
// Exactly MaxPayloadSize is accepted; one byte more is rejected as BadPayload.
const MaxPayloadSize = 2048

// writeFrame writes a length-prefixed frame: 4 bytes little-endian length,
// then payload. It never writes a frame whose payload exceeds MaxPayloadSize.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("encoding frame (%d bytes > %d max): %w", len(payload), MaxPayloadSize, errs.ErrBadPayload)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, rejecting payloads over
// MaxPayloadSize as BadPayload without attempting to read them.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("frame length %d exceeds %d max: %w", n, MaxPayloadSize, errs.ErrBadPayload)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return buf, nil
}
