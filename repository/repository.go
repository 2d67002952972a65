package repository

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/btrfs-backup/repoctl/sendstream"
)

// Repository is a loaded, in-memory view of a directory of send-stream
// files. It is safe for concurrent use: Reload swaps the node list under
// a lock so a long-lived server can pick up newly uploaded archives
// between requests.
type Repository struct {
	dir string

	mu         sync.RWMutex
	nodes      []BackupNode
	duplicates []BackupNode
}

// Load enumerates the immediate entries of dir and parses each as a
// send-stream file. It never fails wholesale: a file that can't be
// opened or doesn't start with a recognizable SUBVOL/SNAPSHOT command is
// skipped and logged as a warning, not returned as an error.
//
// Nodes are deduplicated by uuid, first insertion (directory enumeration
// order) wins; every later file whose uuid repeats an earlier one is set
// aside into the duplicates side-list exposed by Duplicates, rather than
// silently double-counted by Nodes/FindOrphans/the protocol surface.
//
// When fsck is true, orphaned incremental nodes (see FindOrphans) are
// excluded from the returned Repository; when false, every parsed node
// is kept and the caller may call FindOrphans itself.
func Load(dir string, fsck bool) (*Repository, error) {
	nodes, duplicates, err := loadNodes(dir)
	if err != nil {
		return nil, err
	}
	if fsck {
		orphans := FindOrphans(nodes)
		nodes = removeUUIDs(nodes, orphans)
	}
	return &Repository{dir: dir, nodes: nodes, duplicates: duplicates}, nil
}

// Reload re-enumerates the repository directory from scratch and
// replaces the node list and duplicate side-list. It does not prune
// orphans, matching the behavior of the Repository that was originally
// constructed with fsck=false; callers that want orphans excluded should
// call FindOrphans on Nodes() themselves after reloading.
func (r *Repository) Reload() error {
	nodes, duplicates, err := loadNodes(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.nodes = nodes
	r.duplicates = duplicates
	r.mu.Unlock()
	return nil
}

// Nodes returns a snapshot of the currently loaded, deduplicated nodes.
func (r *Repository) Nodes() []BackupNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackupNode, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Duplicates returns the files set aside during load because their uuid
// repeated a node already kept in Nodes. fsck tooling reports these; the
// core otherwise ignores them entirely.
func (r *Repository) Duplicates() []BackupNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackupNode, len(r.duplicates))
	copy(out, r.duplicates)
	return out
}

// Dir returns the repository's root directory.
func (r *Repository) Dir() string {
	return r.dir
}

// loadNodes enumerates dir and parses each entry, deduplicating by uuid
// with first-insertion-wins semantics: directory enumeration order (which
// os.ReadDir returns sorted by filename) decides which of two same-uuid
// files is kept in nodes and which is set aside in duplicates.
func loadNodes(dir string) (nodes, duplicates []BackupNode, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[uuid.UUID]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		node, ok := loadNode(path, entry.Name())
		if !ok {
			continue
		}
		if _, dup := seen[node.UUID]; dup {
			logrus.WithFields(logrus.Fields{"path": path, "uuid": node.UUID}).Warn("repository: duplicate uuid, setting aside")
			duplicates = append(duplicates, node)
			continue
		}
		seen[node.UUID] = struct{}{}
		nodes = append(nodes, node)
	}
	return nodes, duplicates, nil
}

func loadNode(path, name string) (BackupNode, bool) {
	f, err := os.Open(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{"path": path, "error": err}).Warn("repository: skipping unreadable entry")
		return BackupNode{}, false
	}
	defer f.Close()

	cmd, err := sendstream.FirstCommand(f)
	if err != nil {
		logrus.WithFields(logrus.Fields{"path": path, "error": err}).Warn("repository: skipping entry with no valid command")
		return BackupNode{}, false
	}

	switch cmd.Kind() {
	case sendstream.KindSubvol:
		subvol, err := sendstream.ParseSubvol(cmd.Payload())
		if err != nil {
			logrus.WithFields(logrus.Fields{"path": path, "error": err}).Warn("repository: skipping malformed SUBVOL entry")
			return BackupNode{}, false
		}
		return BackupNode{Kind: KindFull, UUID: subvol.UUID, Path: path, Name: subvol.Name}, true
	case sendstream.KindSnapshot:
		snap, err := sendstream.ParseSnapshot(cmd.Payload())
		if err != nil {
			logrus.WithFields(logrus.Fields{"path": path, "error": err}).Warn("repository: skipping malformed SNAPSHOT entry")
			return BackupNode{}, false
		}
		return BackupNode{Kind: KindIncremental, UUID: snap.UUID, ParentUUID: snap.CloneUUID, Path: path, Name: snap.Name}, true
	default:
		logrus.WithFields(logrus.Fields{"path": path, "kind": cmd.Kind()}).Warn("repository: skipping entry with unexpected leading command")
		return BackupNode{}, false
	}
}

func removeUUIDs(nodes []BackupNode, remove map[uuid.UUID]struct{}) []BackupNode {
	if len(remove) == 0 {
		return nodes
	}
	out := nodes[:0:0]
	for _, n := range nodes {
		if _, excluded := remove[n.UUID]; excluded {
			continue
		}
		out = append(out, n)
	}
	return out
}
