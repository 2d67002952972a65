// Package protocol implements the single-connection framed RPC server
// exposed over a duplex byte channel (canonically a remotely invoked
// process's stdin/stdout): a magic handshake followed by a loop of
// big-endian opcodes dispatched against a loaded repository.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/btrfs-backup/repoctl/repository"
	"github.com/btrfs-backup/repoctl/transfer"
)

// Opcode identifies a client request.
type Opcode uint64

const (
	OpQuit          Opcode = 0
	OpFindNodes     Opcode = 1
	OpListNodes     Opcode = 2
	OpUploadArchive Opcode = 3
	OpGetGraph      Opcode = 4
)

var requestMagic = [8]byte{0xa8, 0x5b, 0x4b, 0x2b, 0x1b, 0x75, 0x4c, 0x0a}
var responseMagic = [8]byte{0xfb, 0x70, 0x4c, 0x63, 0x41, 0x1d, 0x9c, 0x0a}

// ErrBadMagic is returned when either side's handshake magic doesn't
// match the expected constant.
var ErrBadMagic = errors.New("protocol: handshake magic mismatch")

// ErrUnknownOpcode is returned when the client sends an opcode outside
// 0..4. The session must be terminated; there is no resynchronization.
type ErrUnknownOpcode struct {
	Opcode Opcode
}

func (e *ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("protocol: unknown opcode %d", e.Opcode)
}

// Server dispatches requests against a Repository over one connection
// at a time.
type Server struct {
	repo *repository.Repository
	r    io.Reader
	w    io.Writer
}

// NewServer wraps a loaded repository and a duplex channel.
func NewServer(repo *repository.Repository, r io.Reader, w io.Writer) *Server {
	return &Server{repo: repo, r: r, w: w}
}

// Serve performs the handshake and then services opcodes until the
// client sends Quit, closes the connection, or sends something this
// server doesn't recognize.
func (s *Server) Serve() error {
	if err := s.handshake(); err != nil {
		return err
	}

	for {
		op, err := s.readOpcode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		logrus.WithField("opcode", op).Debug("protocol: dispatching request")

		switch op {
		case OpQuit:
			return nil
		case OpFindNodes:
			if err := s.dispatchFindNodes(); err != nil {
				return err
			}
		case OpListNodes:
			if err := s.dispatchListNodes(); err != nil {
				return err
			}
		case OpUploadArchive:
			if err := s.dispatchUploadArchive(); err != nil {
				return err
			}
		case OpGetGraph:
			if err := s.dispatchGetGraph(); err != nil {
				return err
			}
		default:
			logrus.WithField("opcode", op).Warn("protocol: unknown opcode, terminating session")
			return &ErrUnknownOpcode{Opcode: op}
		}
	}
}

func (s *Server) handshake() error {
	var got [8]byte
	if _, err := io.ReadFull(s.r, got[:]); err != nil {
		return fmt.Errorf("protocol: reading request magic: %w", err)
	}
	if got != requestMagic {
		return ErrBadMagic
	}
	if _, err := s.w.Write(responseMagic[:]); err != nil {
		return fmt.Errorf("protocol: writing response magic: %w", err)
	}
	return nil
}

func (s *Server) readOpcode() (Opcode, error) {
	var buf [8]byte
	if _, err := io.ReadFull(s.r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("protocol: reading opcode: %w", err)
		}
		return 0, err
	}
	return Opcode(binary.BigEndian.Uint64(buf[:])), nil
}

func (s *Server) readUUIDList() ([]uuid.UUID, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(s.r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("protocol: reading uuid list count: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	out := make([]uuid.UUID, 0, count)
	for i := uint32(0); i < count; i++ {
		var idBuf [16]byte
		if _, err := io.ReadFull(s.r, idBuf[:]); err != nil {
			return nil, fmt.Errorf("protocol: reading uuid list entry %d: %w", i, err)
		}
		id, err := uuid.FromBytes(idBuf[:])
		if err != nil {
			return nil, fmt.Errorf("protocol: decoding uuid list entry %d: %w", i, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *Server) writeUUIDTerminated(ids []uuid.UUID) error {
	for _, id := range ids {
		if _, err := s.w.Write([]byte{0x01}); err != nil {
			return fmt.Errorf("protocol: writing uuid marker: %w", err)
		}
		b := id
		if _, err := s.w.Write(b[:]); err != nil {
			return fmt.Errorf("protocol: writing uuid: %w", err)
		}
	}
	_, err := s.w.Write([]byte{0x00})
	if err != nil {
		return fmt.Errorf("protocol: writing uuid list terminator: %w", err)
	}
	return nil
}

func (s *Server) dispatchFindNodes() error {
	want, err := s.readUUIDList()
	if err != nil {
		return err
	}
	wantSet := make(map[uuid.UUID]struct{}, len(want))
	for _, id := range want {
		wantSet[id] = struct{}{}
	}

	var have []uuid.UUID
	for _, n := range s.repo.Nodes() {
		if _, ok := wantSet[n.UUID]; ok {
			have = append(have, n.UUID)
		}
	}
	return s.writeUUIDTerminated(have)
}

func (s *Server) dispatchListNodes() error {
	nodes := s.repo.Nodes()
	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.UUID
	}
	return s.writeUUIDTerminated(ids)
}

// dispatchUploadArchive implements the tmp-file-then-atomic-rename
// transaction: a fresh UUID names the object, the reliable-copy
// collaborator validates and forwards the uploaded bytes into a sibling
// ".tmp" file, and only a clean copy is renamed into place. Any failure
// unlinks the temp file and the client sees a single 0x00 byte.
func (s *Server) dispatchUploadArchive() error {
	id := uuid.New()
	tmpPath := s.repo.Dir() + "/" + id.String() + ".tmp"
	finalPath := s.repo.Dir() + "/" + id.String()

	unlock, err := s.repo.Lock()
	if err != nil {
		return s.failUpload(fmt.Errorf("protocol: locking repository: %w", err))
	}
	defer unlock()

	f, err := os.Create(tmpPath)
	if err != nil {
		return s.failUpload(fmt.Errorf("protocol: creating temp upload file: %w", err))
	}

	copyErr := transfer.CopyOut(f, s.r)
	closeErr := f.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if copyErr != nil {
			logrus.WithFields(logrus.Fields{"uuid": id, "error": copyErr}).Warn("protocol: upload rejected")
			return s.failUpload(copyErr)
		}
		return s.failUpload(closeErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return s.failUpload(fmt.Errorf("protocol: committing upload: %w", err))
	}

	logrus.WithField("uuid", id).Info("protocol: upload committed")
	if _, err := s.w.Write([]byte{0x01}); err != nil {
		return fmt.Errorf("protocol: writing upload success marker: %w", err)
	}
	idBytes := id
	if _, err := s.w.Write(idBytes[:]); err != nil {
		return fmt.Errorf("protocol: writing uploaded uuid: %w", err)
	}
	return nil
}

func (s *Server) failUpload(cause error) error {
	logrus.WithError(cause).Warn("protocol: upload transaction failed")
	if _, err := s.w.Write([]byte{0x00}); err != nil {
		return fmt.Errorf("protocol: writing upload failure marker: %w", err)
	}
	return nil
}

// graphEdge is one entry of GetGraph's JSON response: an archive file's
// size on disk, the node it represents, and the parent it depends on, if
// any.
type graphEdge struct {
	Size     int64      `json:"size"`
	FromNode *uuid.UUID `json:"from_node,omitempty"`
	ToNode   uuid.UUID  `json:"to_node"`
}

func (s *Server) dispatchGetGraph() error {
	nodes := s.repo.Nodes()
	edges := make([]graphEdge, 0, len(nodes))
	for _, n := range nodes {
		info, err := os.Stat(n.Path)
		if err != nil {
			logrus.WithFields(logrus.Fields{"path": n.Path, "error": err}).Warn("protocol: skipping node in graph response")
			continue
		}
		edge := graphEdge{Size: info.Size(), ToNode: n.UUID}
		if n.Kind == repository.KindIncremental {
			parent := n.ParentUUID
			edge.FromNode = &parent
		}
		edges = append(edges, edge)
	}

	payload, err := json.Marshal(struct {
		Edges []graphEdge `json:"edges"`
	}{Edges: edges})
	if err != nil {
		return fmt.Errorf("protocol: encoding graph: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: writing graph length: %w", err)
	}
	if _, err := s.w.Write(payload); err != nil {
		return fmt.Errorf("protocol: writing graph payload: %w", err)
	}
	return nil
}
