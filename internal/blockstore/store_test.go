package blockstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mastran/synchs-omission/internal/blockstore"
	"github.com/mastran/synchs-omission/internal/types"
)

func genesis() *types.Block {
	return types.NewBlock(nil, 0, nil, nil, nil, nil)
}

func chain(t *testing.T, s *blockstore.Store, parent types.Hash, n int) []*types.Block {
	t.Helper()
	blocks := make([]*types.Block, 0, n)
	cur := parent
	for i := 0; i < n; i++ {
		parentBlk := s.FindBlk(cur)
		require.NotNil(t, parentBlk)
		b := types.NewBlock([]types.Hash{cur}, parentBlk.Height+1, [][]byte{[]byte("cmd")}, nil, nil, nil)
		b = s.AddBlk(b)
		require.True(t, s.CanDeliver(b))
		require.NoError(t, s.Deliver(b))
		blocks = append(blocks, b)
		cur = b.Hash
	}
	return blocks
}

func TestNewSeedsGenesisDeliveredAndTail(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	require.True(t, g.Delivered)
	require.ElementsMatch(t, []types.Hash{g.Hash}, s.Tails())
	require.Equal(t, g, s.FindBlk(g.Hash))
}

func TestAddBlkDedupesByHash(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	b := types.NewBlock([]types.Hash{g.Hash}, 1, [][]byte{[]byte("x")}, nil, nil, nil)
	first := s.AddBlk(b)
	dup := types.NewBlock([]types.Hash{g.Hash}, 1, [][]byte{[]byte("x")}, nil, nil, nil)
	second := s.AddBlk(dup)
	require.Same(t, first, second, "identical content hash must return the canonical handle")
}

func TestCanDeliverRequiresParentDelivered(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	b1 := types.NewBlock([]types.Hash{g.Hash}, 1, nil, nil, nil, nil)
	b1 = s.AddBlk(b1)
	b2 := types.NewBlock([]types.Hash{b1.Hash}, 2, nil, nil, nil, nil)
	b2 = s.AddBlk(b2)

	require.False(t, s.CanDeliver(b2), "parent b1 not yet delivered")
	require.True(t, s.CanDeliver(b1))
	require.NoError(t, s.Deliver(b1))
	require.True(t, s.CanDeliver(b2))
}

func TestCanDeliverRequiresQCRefPresent(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	missingRef := types.Hash{0x42}
	b := types.NewBlock([]types.Hash{g.Hash}, 1, nil, &missingRef, nil, nil)
	require.False(t, s.CanDeliver(b))
}

func TestDeliverUpdatesTailSet(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	blocks := chain(t, s, g.Hash, 2)

	tails := s.Tails()
	require.ElementsMatch(t, []types.Hash{blocks[1].Hash}, tails)
}

func TestDeliverIsIdempotent(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	b := types.NewBlock([]types.Hash{g.Hash}, 1, nil, nil, nil, nil)
	b = s.AddBlk(b)
	require.NoError(t, s.Deliver(b))
	require.NoError(t, s.Deliver(b), "redelivery is a no-op, not an error")
}

func TestPruneReleasesBlocksOlderThanStaleness(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	blocks := chain(t, s, g.Hash, 5) // heights 1..5

	bExec := blocks[4].Hash // height 5
	s.Prune(bExec, 2)       // boundary = height 3 (blocks[2])

	// boundary and everything behind it are released; only blocks strictly
	// above boundary (height > 3) survive.
	require.Nil(t, s.FindBlk(g.Hash))
	require.Nil(t, s.FindBlk(blocks[0].Hash))
	require.Nil(t, s.FindBlk(blocks[1].Hash))
	require.Nil(t, s.FindBlk(blocks[2].Hash), "boundary block must be released per S6")
	require.NotNil(t, s.FindBlk(blocks[3].Hash))
	require.NotNil(t, s.FindBlk(blocks[4].Hash))
}

func TestPruneStopsAtGenesisWithoutPanicking(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	blocks := chain(t, s, g.Hash, 2)

	require.NotPanics(t, func() { s.Prune(blocks[1].Hash, 100) })
	require.NotNil(t, s.FindBlk(g.Hash), "staleness beyond genesis prunes nothing")
}

func TestPruneClearsQCRefOnReleasedBlocks(t *testing.T) {
	g := genesis()
	s := blockstore.New(g)
	qcRef := g.Hash
	b1 := types.NewBlock([]types.Hash{g.Hash}, 1, nil, &qcRef, nil, nil)
	b1 = s.AddBlk(b1)
	require.NoError(t, s.Deliver(b1))
	blocks := append([]*types.Block{b1}, chain(t, s, b1.Hash, 4)...)

	s.Prune(blocks[len(blocks)-1].Hash, 1)
	require.Nil(t, s.FindBlk(b1.Hash), "b1 should have been released by this staleness depth")
	require.Nil(t, b1.QCRef, "released block's qc_ref back-reference must be cleared")
}
