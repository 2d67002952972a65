// Package repository loads a directory of send-stream files into an
// in-memory backup graph and finds incremental backups whose parent chain
// does not terminate at a full backup held in the same directory.
package repository

import (
	"github.com/google/uuid"
)

// Kind classifies a BackupNode by the first command its stream contains.
type Kind int

const (
	// KindFull marks a node whose stream opens with a SUBVOL command: a
	// standalone root with no dependency on any other file.
	KindFull Kind = iota
	// KindIncremental marks a node whose stream opens with a SNAPSHOT
	// command: a delta that can only be replayed against ParentUUID.
	KindIncremental
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// BackupNode describes one file in the repository directory that parsed
// as a valid send stream.
type BackupNode struct {
	Kind Kind
	// UUID is the stream's own identity: the SUBVOL or SNAPSHOT UUID.
	UUID uuid.UUID
	// ParentUUID is the clone_uuid of an Incremental node's SNAPSHOT, and
	// the zero UUID for a Full node.
	ParentUUID uuid.UUID
	// Path is the absolute or repository-relative path the node was
	// loaded from.
	Path string
	// Name is the subvolume name recorded in the stream's first command.
	Name string
}
