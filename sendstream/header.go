package sendstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// magic is the fixed 13-byte preamble of every btrfs send stream.
var magic = [13]byte{'b', 't', 'r', 'f', 's', '-', 's', 't', 'r', 'e', 'a', 'm', 0}

// SupportedVersion is the only stream version this package accepts.
const SupportedVersion uint32 = 1

// HeaderSize is the on-wire size of Header: 13 magic bytes + 4-byte version.
const HeaderSize = len(magic) + 4

// ErrInvalidVersion is returned when a header's version field is not 1.
var ErrInvalidVersion = errors.New("sendstream: unsupported stream version")

// ProtocolError describes a structural problem with the stream - a bad
// magic, an unexpected TLV tag, a malformed UUID, or similar. It is
// always the terminal error for whatever read produced it; callers
// should not attempt to resynchronize.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "sendstream: protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Header is the 17-byte preamble identifying a stream and its version.
type Header struct {
	Version uint32
}

// ParseHeader reads and validates the magic and version fields.
func ParseHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("sendstream: reading header: %w", err)
	}
	if !bytes.Equal(buf[:len(magic)], magic[:]) {
		return Header{}, protocolErrorf("invalid magic")
	}
	version := binary.LittleEndian.Uint32(buf[len(magic):])
	if version != SupportedVersion {
		return Header{}, ErrInvalidVersion
	}
	return Header{Version: version}, nil
}

// Serialize renders the header to its 17-byte wire form.
func (h Header) Serialize() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint32(buf[len(magic):], h.Version)
	return buf
}
