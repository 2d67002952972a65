package sendstream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btrfs-backup/repoctl/crc32c"
)

// frameHeaderSize is the 10-byte on-wire command header: len(4) + kind(2) + crc32(4).
const frameHeaderSize = 10

// RawCommand is a single framed command exactly as it appears on the wire:
// a 10-byte header followed by its payload. It is the normative codec
// variant for this package - bytes are preserved verbatim so a command
// can be re-emitted byte-for-byte without reconstructing it from typed
// fields.
type RawCommand struct {
	buf []byte // frameHeaderSize + payload length
}

// newRawCommand builds a RawCommand of the given kind around payload,
// writing the 10-byte header and computing its CRC32.
func newRawCommand(kind CommandKind, payload []byte) *RawCommand {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(kind))
	copy(buf[frameHeaderSize:], payload)
	rc := &RawCommand{buf: buf}
	binary.LittleEndian.PutUint32(rc.buf[6:10], rc.CalculateCRC32())
	return rc
}

// NewRawCommand builds a correctly-framed, correctly-checksummed command of
// the given kind around an arbitrary payload. Typed payloads (Subvol,
// Snapshot) should normally be built through their own Encap methods; this
// constructor is for kinds with no typed wrapper, such as WRITE or END.
func NewRawCommand(kind CommandKind, payload []byte) *RawCommand {
	return newRawCommand(kind, payload)
}

// ReadRawCommand reads one framed command from r: a 4-byte length, then
// exactly 2+4+length more bytes. Returns io.EOF if r is exhausted before
// any bytes of the frame are read; any other short read returns an error
// wrapping io.ErrUnexpectedEOF.
func ReadRawCommand(r io.Reader) (*RawCommand, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("sendstream: reading command length: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])

	rest := make([]byte, 2+4+int(payloadLen))
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("sendstream: reading command frame (len=%d): %w", payloadLen, err)
	}

	buf := make([]byte, frameHeaderSize+int(payloadLen))
	copy(buf[0:4], lenBuf[:])
	copy(buf[4:], rest)
	return &RawCommand{buf: buf}, nil
}

// Len returns the payload length, as recorded in the frame header.
func (c *RawCommand) Len() uint32 {
	return binary.LittleEndian.Uint32(c.buf[0:4])
}

// Kind decodes the command kind from the frame header.
func (c *RawCommand) Kind() CommandKind {
	return CommandKind(binary.LittleEndian.Uint16(c.buf[4:6]))
}

// CRC32 returns the CRC32 field as stored in the frame header.
func (c *RawCommand) CRC32() uint32 {
	return binary.LittleEndian.Uint32(c.buf[6:10])
}

// Payload returns the command's payload bytes. The returned slice aliases
// the command's internal buffer and must not be modified.
func (c *RawCommand) Payload() []byte {
	return c.buf[frameHeaderSize:]
}

// CalculateCRC32 computes the CRC32C over the frame with the CRC field
// blanked: bytes [0,6) followed by four zero bytes, followed by the
// payload. This exact convention - CRC field zeroed during computation -
// is what producers of real btrfs send streams use, and implementations
// must match it bit for bit.
func (c *RawCommand) CalculateCRC32() uint32 {
	state := crc32c.Update(0, c.buf[0:6])
	var zero [4]byte
	state = crc32c.Update(state, zero[:])
	state = crc32c.Update(state, c.buf[frameHeaderSize:])
	return state
}

// ValidateCRC32 reports whether the stored CRC32 matches CalculateCRC32.
func (c *RawCommand) ValidateCRC32() bool {
	return c.CalculateCRC32() == c.CRC32()
}

// Bytes returns the command's full on-wire representation (header and
// payload). The returned slice aliases the command's internal buffer and
// must not be modified.
func (c *RawCommand) Bytes() []byte {
	return c.buf
}
