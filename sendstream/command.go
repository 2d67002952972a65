package sendstream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// tlv is a single tag-length-value entry found inside a command payload.
type tlv struct {
	tag   attrTag
	value []byte
}

// readTLV reads one TLV entry: a 2-byte tag, a 2-byte length, then that
// many bytes of value.
func readTLV(r io.Reader) (tlv, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return tlv{}, fmt.Errorf("sendstream: reading TLV header: %w", err)
	}
	tag := attrTag(binary.LittleEndian.Uint16(header[0:2]))
	length := binary.LittleEndian.Uint16(header[2:4])
	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return tlv{}, fmt.Errorf("sendstream: reading TLV value (tag=%d, len=%d): %w", tag, length, err)
	}
	return tlv{tag: tag, value: value}, nil
}

// expectTLV reads one TLV and verifies its tag and, when wantLen >= 0,
// its length. Any mismatch is a ProtocolError naming the offending tag,
// per spec: TLV order and length are positional and non-negotiable.
func expectTLV(r io.Reader, want attrTag, wantLen int, field string) (tlv, error) {
	entry, err := readTLV(r)
	if err != nil {
		return tlv{}, err
	}
	if entry.tag != want {
		return tlv{}, protocolErrorf("unexpected tag %d for %s, wanted %d", entry.tag, field, want)
	}
	if wantLen >= 0 && len(entry.value) != wantLen {
		return tlv{}, protocolErrorf("unexpected length %d for %s (tag %d), wanted %d", len(entry.value), field, want, wantLen)
	}
	return entry, nil
}

func writeTLV(buf *bytes.Buffer, tag attrTag, value []byte) {
	var header [4]byte
	binary.LittleEndian.PutUint16(header[0:2], uint16(tag))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(value)))
	buf.Write(header[:])
	buf.Write(value)
}

// Subvol is the typed payload of a SUBVOL command: the root of a full
// backup.
type Subvol struct {
	Name     string
	UUID     uuid.UUID
	Ctransid uint64
}

// ParseSubvol decodes a Subvol from a command payload, reading TLVs in
// the fixed order: name(15), uuid(1), ctransid(2).
func ParseSubvol(payload []byte) (*Subvol, error) {
	r := bytes.NewReader(payload)

	nameTLV, err := expectTLV(r, attrPath, -1, "name")
	if err != nil {
		return nil, err
	}
	uuidTLV, err := expectTLV(r, attrUUID, 16, "uuid")
	if err != nil {
		return nil, err
	}
	ctransidTLV, err := expectTLV(r, attrCtransid, 8, "ctransid")
	if err != nil {
		return nil, err
	}

	id, err := uuid.FromBytes(uuidTLV.value)
	if err != nil {
		return nil, protocolErrorf("bad uuid: %v", err)
	}

	return &Subvol{
		Name:     string(nameTLV.value),
		UUID:     id,
		Ctransid: binary.LittleEndian.Uint64(ctransidTLV.value),
	}, nil
}

// encodePayload renders the Subvol's TLVs in canonical order.
func (s *Subvol) encodePayload() []byte {
	var buf bytes.Buffer
	writeTLV(&buf, attrPath, []byte(s.Name))
	idBytes := s.UUID
	writeTLV(&buf, attrUUID, idBytes[:])
	var ctransid [8]byte
	binary.LittleEndian.PutUint64(ctransid[:], s.Ctransid)
	writeTLV(&buf, attrCtransid, ctransid[:])
	return buf.Bytes()
}

// Encap rebuilds the full on-wire command (header + payload + CRC) from
// the typed Subvol fields.
func (s *Subvol) Encap() *RawCommand {
	return newRawCommand(KindSubvol, s.encodePayload())
}

// Snapshot is the typed payload of a SNAPSHOT command: an incremental
// backup derived from CloneUUID.
type Snapshot struct {
	Name          string
	UUID          uuid.UUID
	Ctransid      uint64
	CloneUUID     uuid.UUID
	CloneCtransid uint64
}

// ParseSnapshot decodes a Snapshot from a command payload, reading TLVs
// in the fixed order: name(15), uuid(1), ctransid(2), clone_uuid(20),
// clone_ctransid(21).
func ParseSnapshot(payload []byte) (*Snapshot, error) {
	r := bytes.NewReader(payload)

	nameTLV, err := expectTLV(r, attrPath, -1, "name")
	if err != nil {
		return nil, err
	}
	uuidTLV, err := expectTLV(r, attrUUID, 16, "uuid")
	if err != nil {
		return nil, err
	}
	ctransidTLV, err := expectTLV(r, attrCtransid, 8, "ctransid")
	if err != nil {
		return nil, err
	}
	cloneUUIDTLV, err := expectTLV(r, attrCloneUUID, 16, "clone_uuid")
	if err != nil {
		return nil, err
	}
	cloneCtransidTLV, err := expectTLV(r, attrCloneCtransid, 8, "clone_ctransid")
	if err != nil {
		return nil, err
	}

	id, err := uuid.FromBytes(uuidTLV.value)
	if err != nil {
		return nil, protocolErrorf("bad uuid: %v", err)
	}
	cloneID, err := uuid.FromBytes(cloneUUIDTLV.value)
	if err != nil {
		return nil, protocolErrorf("bad clone_uuid: %v", err)
	}

	return &Snapshot{
		Name:          string(nameTLV.value),
		UUID:          id,
		Ctransid:      binary.LittleEndian.Uint64(ctransidTLV.value),
		CloneUUID:     cloneID,
		CloneCtransid: binary.LittleEndian.Uint64(cloneCtransidTLV.value),
	}, nil
}

func (s *Snapshot) encodePayload() []byte {
	var buf bytes.Buffer
	writeTLV(&buf, attrPath, []byte(s.Name))
	idBytes := s.UUID
	writeTLV(&buf, attrUUID, idBytes[:])
	var ctransid [8]byte
	binary.LittleEndian.PutUint64(ctransid[:], s.Ctransid)
	writeTLV(&buf, attrCtransid, ctransid[:])
	cloneIDBytes := s.CloneUUID
	writeTLV(&buf, attrCloneUUID, cloneIDBytes[:])
	var cloneCtransid [8]byte
	binary.LittleEndian.PutUint64(cloneCtransid[:], s.CloneCtransid)
	writeTLV(&buf, attrCloneCtransid, cloneCtransid[:])
	return buf.Bytes()
}

// Encap rebuilds the full on-wire command (header + payload + CRC) from
// the typed Snapshot fields.
func (s *Snapshot) Encap() *RawCommand {
	return newRawCommand(KindSnapshot, s.encodePayload())
}
