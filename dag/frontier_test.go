package dag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/types"
)

func TestFrontierEmptyDagReturnsGenesis(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	f := mgr.Frontier(0)
	require.Equal(t, mgr.genesis, f.Pivot)
	require.Empty(t, f.Tips)
}

func TestFrontierPicksDeepestLeafAsPivot(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	a := &types.DagBlock{Pivot: mgr.genesis, Level: 1}
	mgr.InsertOwn(a, cryptoutil.Keccak256)
	aHash := a.Hash(cryptoutil.Keccak256)

	b := &types.DagBlock{Pivot: aHash, Level: 2}
	mgr.InsertOwn(b, cryptoutil.Keccak256)
	bHash := b.Hash(cryptoutil.Keccak256)

	f := mgr.Frontier(0)
	require.Equal(t, bHash, f.Pivot)
	require.Empty(t, f.Tips)
}

func TestFrontierIncludesSiblingLeavesAsTips(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	a := &types.DagBlock{Pivot: mgr.genesis, Level: 1}
	mgr.InsertOwn(a, cryptoutil.Keccak256)
	aHash := a.Hash(cryptoutil.Keccak256)

	b := &types.DagBlock{Pivot: aHash, Level: 2}
	mgr.InsertOwn(b, cryptoutil.Keccak256)
	bHash := b.Hash(cryptoutil.Keccak256)

	c := &types.DagBlock{Pivot: aHash, Level: 2, Timestamp: 1}
	mgr.InsertOwn(c, cryptoutil.Keccak256)
	cHash := c.Hash(cryptoutil.Keccak256)

	f := mgr.Frontier(0)
	require.Contains(t, []types.Hash{bHash, cHash}, f.Pivot)
	require.Len(t, f.Tips, 1)
}

func TestFrontierGhostPathMoveBackWalksTowardGenesis(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	a := &types.DagBlock{Pivot: mgr.genesis, Level: 1}
	mgr.InsertOwn(a, cryptoutil.Keccak256)
	aHash := a.Hash(cryptoutil.Keccak256)

	b := &types.DagBlock{Pivot: aHash, Level: 2}
	mgr.InsertOwn(b, cryptoutil.Keccak256)

	f := mgr.Frontier(1)
	require.Equal(t, aHash, f.Pivot)
}

func TestFrontierEqual(t *testing.T) {
	h1 := types.Hash{1}
	h2 := types.Hash{2}
	h3 := types.Hash{3}

	a := Frontier{Pivot: h1, Tips: []types.Hash{h2, h3}}
	b := Frontier{Pivot: h1, Tips: []types.Hash{h3, h2}}
	c := Frontier{Pivot: h1, Tips: []types.Hash{h2}}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}
