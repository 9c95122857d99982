package dag

import (
	"github.com/luxfi/math/set"

	"github.com/luxfi/dagbft-core/types"
)

// Frontier is a proposer's view of the DAG tip to build on: a pivot
// (the heaviest-past chain predecessor) and the remaining current
// leaves as tips (spec §4.1 "frontier").
type Frontier struct {
	Pivot types.Hash
	Tips  []types.Hash
}

// Equal reports whether two frontiers reference the same pivot and
// tip set, used by the proposer to detect staleness across polling
// intervals (spec §4.2 step 4 "abort-and-retry if the frontier changes").
func (f Frontier) Equal(other Frontier) bool {
	if f.Pivot != other.Pivot || len(f.Tips) != len(other.Tips) {
		return false
	}
	seen := set.Of(f.Tips...)
	for _, t := range other.Tips {
		if !seen.Contains(t) {
			return false
		}
	}
	return true
}

// Frontier picks the heaviest-past pivot among current leaves (ghost
// path, moved back by ghost_path_move_back steps from the deepest leaf)
// and returns the remaining leaves as tips (spec §4.1).
func (m *Manager) Frontier(ghostPathMoveBack uint32) Frontier {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.leaves) == 0 {
		return Frontier{Pivot: m.genesis}
	}

	pivot := m.heaviestLeafLocked(ghostPathMoveBack)
	tips := make([]types.Hash, 0, len(m.leaves))
	for l := range m.leaves {
		if l != pivot {
			tips = append(tips, l)
		}
	}
	return Frontier{Pivot: pivot, Tips: tips}
}

// heaviestLeafLocked walks back ghostPathMoveBack levels from the
// deepest leaf along the subtree with the most descendants (the
// heaviest-past/ghost rule), trading strict depth-maximality for
// stability against concurrent sibling proposals. Caller holds m.mu.
func (m *Manager) heaviestLeafLocked(ghostPathMoveBack uint32) types.Hash {
	var deepest types.Hash
	var deepestLevel types.Level
	first := true
	for l := range m.leaves {
		lvl := m.levelOfLocked(l)
		if first || lvl > deepestLevel {
			deepest = l
			deepestLevel = lvl
			first = false
		}
	}

	cur := deepest
	for i := uint32(0); i < ghostPathMoveBack; i++ {
		parent, ok := m.heaviestParentLocked(cur)
		if !ok {
			break
		}
		cur = parent
	}
	return cur
}

func (m *Manager) levelOfLocked(hash types.Hash) types.Level {
	if hash == m.genesis {
		return 0
	}
	if blk, ok := m.nonFinal[hash]; ok {
		return blk.Level
	}
	return 0
}

// heaviestParentLocked returns the most-weighted direct parent of
// hash, measured by subtree descendant count (spec §4.1 "heaviest-past
// rule").
func (m *Manager) heaviestParentLocked(hash types.Hash) (types.Hash, bool) {
	blk, ok := m.nonFinal[hash]
	if !ok {
		return types.Hash{}, false
	}
	parents := blk.ParentHashes()
	if len(parents) == 0 {
		return types.Hash{}, false
	}
	best := parents[0]
	bestWeight := m.subtreeWeightLocked(best)
	for _, p := range parents[1:] {
		w := m.subtreeWeightLocked(p)
		if w > bestWeight {
			best = p
			bestWeight = w
		}
	}
	return best, true
}

func (m *Manager) subtreeWeightLocked(hash types.Hash) int {
	children, ok := m.children[hash]
	if !ok {
		return 0
	}
	weight := len(children)
	for c := range children {
		weight += m.subtreeWeightLocked(c)
	}
	return weight
}
