package repository

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
)

// compactionThreshold controls the fixpoint loop's pending-list trim: once
// a pass resolves at least this fraction of the records it scanned, the
// now-reachable records are dropped from the pending list rather than
// rescanned (and found unreachable) on every subsequent pass. It is a
// performance tuning knob, not a correctness requirement: any threshold in
// (0, 1] yields the same final orphan set, just at different cost.
const compactionThreshold = 0.75

type pendingRecord struct {
	uuid   uuid.UUID
	parent uuid.UUID
}

// FindOrphans returns the UUIDs of incremental nodes in nodes whose parent
// chain does not terminate at a Full node also present in nodes. Full
// nodes are never orphans.
//
// The algorithm is a fixpoint reachability pass: Full UUIDs seed a
// root-reachable set, then incremental records are repeatedly tested
// against it until a pass resolves nothing new. A bitset tracks which
// pending records have already resolved so a trimming pass can compact
// them out of further scans once most of the list has settled.
func FindOrphans(nodes []BackupNode) map[uuid.UUID]struct{} {
	rootReachable := make(map[uuid.UUID]struct{})
	pending := make([]pendingRecord, 0, len(nodes))
	for _, n := range nodes {
		if n.Kind == KindFull {
			rootReachable[n.UUID] = struct{}{}
			continue
		}
		pending = append(pending, pendingRecord{uuid: n.UUID, parent: n.ParentUUID})
	}

	resolved := bitset.New(uint(len(pending)))

	for {
		scanned := 0
		found := 0
		for i := range pending {
			if resolved.Test(uint(i)) {
				continue
			}
			scanned++
			if _, ok := rootReachable[pending[i].parent]; ok {
				resolved.Set(uint(i))
				rootReachable[pending[i].uuid] = struct{}{}
				found++
			}
		}
		if found == 0 {
			break
		}
		if float64(scanned)*compactionThreshold <= float64(found) {
			pending, resolved = compact(pending, resolved)
		}
	}

	orphans := make(map[uuid.UUID]struct{})
	for i, rec := range pending {
		if !resolved.Test(uint(i)) {
			orphans[rec.uuid] = struct{}{}
		}
	}
	return orphans
}

// compact drops resolved records from pending and returns a fresh bitset
// sized to the survivors, all still unresolved by construction.
func compact(pending []pendingRecord, resolved *bitset.BitSet) ([]pendingRecord, *bitset.BitSet) {
	kept := pending[:0:0]
	for i, rec := range pending {
		if !resolved.Test(uint(i)) {
			kept = append(kept, rec)
		}
	}
	return kept, bitset.New(uint(len(kept)))
}
