package core_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mastran/synchs-omission/internal/blockstore"
	"github.com/mastran/synchs-omission/internal/cert"
	"github.com/mastran/synchs-omission/internal/committee"
	"github.com/mastran/synchs-omission/internal/config"
	"github.com/mastran/synchs-omission/internal/core"
	"github.com/mastran/synchs-omission/internal/timer"
	"github.com/mastran/synchs-omission/internal/types"
	"github.com/mastran/synchs-omission/internal/verifypool"
	"github.com/mastran/synchs-omission/internal/walstore"
)

// recordingHost is both the core.Host a test replica runs against and the
// place assertions read from. Dispatch mirrors internal/localnet's
// loopbackHost — every Broadcast/Send fans out on its own goroutine, since
// several Core entry points call into the Host while already holding
// c.mu, including on a replica broadcasting to itself; a synchronous
// self-call there would deadlock on the non-reentrant mutex. The test
// harness's testNetwork.settle drains every in-flight dispatch (and
// verification-pool job) before assertions run, giving the determinism a
// synchronous harness would have had for free.
type recordingHost struct {
	mu  sync.Mutex
	id  uint64
	net *testNetwork

	blames    []*types.Blame
	decided   []*types.Finality
	consensus []*types.Block
}

type testNetwork struct {
	mu    sync.Mutex
	wg    sync.WaitGroup
	cores map[uint64]*core.Core
	hosts map[uint64]*recordingHost
}

func newTestNetwork() *testNetwork {
	return &testNetwork{cores: map[uint64]*core.Core{}, hosts: map[uint64]*recordingHost{}}
}

func (n *testNetwork) register(id uint64, c *core.Core, h *recordingHost) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cores[id] = c
	n.hosts[id] = h
}

func (n *testNetwork) each(fn func(*core.Core)) {
	n.mu.Lock()
	snapshot := make([]*core.Core, 0, len(n.cores))
	for _, c := range n.cores {
		snapshot = append(snapshot, c)
	}
	n.mu.Unlock()
	for _, c := range snapshot {
		c := c
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			fn(c)
		}()
	}
}

func (n *testNetwork) sendTo(dest uint64, fn func(*core.Core)) {
	n.mu.Lock()
	c, ok := n.cores[dest]
	n.mu.Unlock()
	if !ok {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(c)
	}()
}

func (h *recordingHost) BroadcastProposal(p *types.Proposal) {
	h.net.each(func(c *core.Core) { _ = c.OnReceiveProposal(p) })
}
func (h *recordingHost) BroadcastVote(v *types.Vote) {
	h.net.each(func(c *core.Core) { _ = c.OnReceiveVote(v) })
}
func (h *recordingHost) BroadcastBlame(b *types.Blame) {
	h.mu.Lock()
	h.blames = append(h.blames, b)
	h.mu.Unlock()
	h.net.each(func(c *core.Core) { _ = c.OnReceiveBlame(b) })
}
func (h *recordingHost) BroadcastBlameNotify(bn *types.BlameNotify) {
	h.net.each(func(c *core.Core) { _ = c.OnReceiveBlameNotify(bn) })
}
func (h *recordingHost) BroadcastEcho(e *types.Echo) {
	h.net.each(func(c *core.Core) { _ = c.OnReceiveEcho(e) })
}
func (h *recordingHost) BroadcastAck(a *types.Ack) {
	h.net.each(func(c *core.Core) { _ = c.OnReceiveAck(a) })
}
func (h *recordingHost) BroadcastPreCommit(p *types.PreCommit) {
	h.net.each(func(c *core.Core) { _ = c.OnReceivePreCommit(p) })
}
func (h *recordingHost) SendEcho(e *types.Echo, dest uint64) {
	h.net.sendTo(dest, func(c *core.Core) { _ = c.OnReceiveEcho(e) })
}
func (h *recordingHost) SendAck(a *types.Ack, dest uint64) {
	h.net.sendTo(dest, func(c *core.Core) { _ = c.OnReceiveAck(a) })
}
func (h *recordingHost) MulticastAck(a *types.Ack, dests []uint64) {
	for _, d := range dests {
		h.SendAck(a, d)
	}
}
func (h *recordingHost) Notify(n *types.Notify) {
	h.net.each(func(c *core.Core) { _ = c.OnReceiveNotify(n) })
}
func (h *recordingHost) FetchBlock(hash types.Hash) (*types.Block, error) {
	var found *types.Block
	h.net.each(func(c *core.Core) {
		if found == nil {
			found = c.FindBlock(hash)
		}
	})
	return found, nil
}
func (h *recordingHost) Decide(f *types.Finality) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decided = append(h.decided, f)
}
func (h *recordingHost) Consensus(b *types.Block) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consensus = append(h.consensus, b)
}

type harness struct {
	net    *testNetwork
	cores  map[uint64]*core.Core
	hosts  map[uint64]*recordingHost
	vpools map[uint64]*verifypool.Pool
	privs  map[uint64]*cert.PrivateKey
	comm   *committee.Committee
	ids    []uint64
}

func buildHarness(t *testing.T, n int, f uint32, commitInterval uint64) *harness {
	t.Helper()
	net := newTestNetwork()
	cfg := &config.Config{NReplicas: uint32(n), NFaulty: f, DeltaMillis: 60_000, CommitInterval: commitInterval}
	require.NoError(t, cfg.Validate())

	ids := make([]uint64, n)
	privs := make(map[uint64]*cert.PrivateKey, n)
	peers := make([]committee.Peer, 0, n)
	for i := 0; i < n; i++ {
		id := uint64(i + 1)
		ids[i] = id
		priv := cert.GeneratePrivateKey()
		privs[id] = priv
		peers = append(peers, committee.Peer{ID: id, Addr: "local", PubKey: priv.Public()})
	}
	comm := committee.New(peers, f)

	h := &harness{net: net, cores: map[uint64]*core.Core{}, hosts: map[uint64]*recordingHost{}, vpools: map[uint64]*verifypool.Pool{}, privs: privs, comm: comm, ids: ids}

	for _, id := range ids {
		genesis := types.NewBlock(nil, 0, nil, nil, nil, nil)
		store := blockstore.New(genesis)
		ts := timer.New(32)
		t.Cleanup(ts.Close)
		vpool := verifypool.New(2)
		wal, err := walstore.Open(filepath.Join(t.TempDir(), "replica"), 100)
		require.NoError(t, err)
		t.Cleanup(func() { _ = wal.Close() })

		rh := &recordingHost{id: id, net: net}
		c, err := core.NewCore(core.Deps{
			ID:        id,
			Cfg:       cfg,
			Committee: comm,
			Store:     store,
			Timers:    ts,
			VPool:     vpool,
			WAL:       wal,
			Host:      rh,
			Priv:      privs[id],
		}, genesis)
		require.NoError(t, err)

		h.cores[id] = c
		h.hosts[id] = rh
		h.vpools[id] = vpool
		net.register(id, c, rh)
	}
	// Registered last so it runs first (t.Cleanup is LIFO): drain every
	// in-flight dispatch before the per-replica timer/WAL cleanups close
	// resources a still-running goroutine might touch.
	t.Cleanup(h.settle)
	return h
}

// settle blocks until every network dispatch this harness has spawned, and
// every verification-pool job it queued, has finished — including any
// second-order dispatch a verification callback itself triggers.
func (h *harness) settle() {
	h.net.wg.Wait()
	for _, p := range h.vpools {
		p.Wait()
	}
	h.net.wg.Wait()
}

func TestHappyPathCommitAtEveryHeight(t *testing.T) {
	h := buildHarness(t, 4, 1, 1) // commit-interval 1: every height is a commit boundary
	proposer := h.cores[1]

	genesisHash := proposer.GetGenesis().Hash
	blk1, err := proposer.OnPropose([][]byte{[]byte("cmd-a")}, []types.Hash{genesisHash}, nil)
	require.NoError(t, err)
	h.settle()

	tails := proposer.GetTails()
	require.Contains(t, tails, blk1.Hash)

	blk2, err := proposer.OnPropose([][]byte{[]byte("cmd-b")}, []types.Hash{blk1.Hash}, nil)
	require.NoError(t, err)
	h.settle()
	require.NotNil(t, blk2.QCRef, "second commit-height proposal must embed the freshly improved hqc")
	require.Equal(t, blk1.Hash, *blk2.QCRef)

	// Three of four replicas (nmajority) broadcast their pre-commit vote
	// for blk1 — this is the sole trigger for checkCommit (invariant 4).
	for _, id := range []uint64{1, 2, 3} {
		c := h.cores[id]
		local := c.FindBlock(blk1.Hash)
		require.NotNil(t, local)
		c.OnPreCommitTimeout(local)
	}
	h.settle()

	for _, id := range h.ids {
		host := h.hosts[id]
		host.mu.Lock()
		defer host.mu.Unlock()
		require.NotEmpty(t, host.consensus, "replica %d never reached consensus on blk1", id)
		require.Equal(t, blk1.Hash, host.consensus[0].Hash)
		require.Len(t, host.decided, 1)
		require.EqualValues(t, 1, host.decided[0].Decision)
		require.Equal(t, blk1.Hash, host.decided[0].BlkHash)
	}
}

func TestEquivocationTriggersBlame(t *testing.T) {
	h := buildHarness(t, 4, 1, 1)
	target := h.cores[4]
	genesisHash := target.GetGenesis().Hash

	a := types.NewBlock([]types.Hash{genesisHash}, 1, [][]byte{[]byte("cmd-x")}, nil, nil, nil)
	b := types.NewBlock([]types.Hash{genesisHash}, 1, [][]byte{[]byte("cmd-y")}, nil, nil, nil)
	require.NotEqual(t, a.Hash, b.Hash)

	require.NoError(t, target.OnReceiveProposal(&types.Proposal{Proposer: 99, Block: a}))
	require.NoError(t, target.OnReceiveProposal(&types.Proposal{Proposer: 99, Block: b}))

	host4 := h.hosts[4]
	host4.mu.Lock()
	defer host4.mu.Unlock()
	require.Len(t, host4.blames, 1, "a second conflicting proposal at the same height must raise exactly one blame")
	require.Equal(t, uint64(4), host4.blames[0].Blamer)
	require.EqualValues(t, 0, host4.blames[0].View)
}

func TestBlameQuorumTriggersViewChange(t *testing.T) {
	h := buildHarness(t, 4, 1, 1)
	target := h.cores[4]
	require.EqualValues(t, 0, target.GetView())

	view := target.GetView()
	objHash := types.BlameObjHash(view)
	for _, blamer := range []uint64{1, 2, 3} {
		pc, err := cert.CreatePartCert(blamer, objHash, h.privs[blamer])
		require.NoError(t, err)
		blame := &types.Blame{Blamer: blamer, View: view, PartCert: pc}
		require.NoError(t, target.OnReceiveBlame(blame))
	}

	// enterViewTransLocked only arms the transition timer; the view itself
	// advances on OnViewTransTimeout, mirroring a real 2Δ firing.
	target.OnViewTransTimeout()
	require.EqualValues(t, 1, target.GetView())
}

func TestPropagationStragglerEchoGetsAckedAfterQuorum(t *testing.T) {
	h := buildHarness(t, 4, 1, 1)
	proposer := h.cores[1]
	genesisHash := proposer.GetGenesis().Hash

	blk, err := proposer.OnPropose([][]byte{[]byte("cmd")}, []types.Hash{genesisHash}, nil)
	require.NoError(t, err)

	objHash := types.PropagateObjHash(blk.Hash)
	for _, id := range []uint64{1, 2, 3} {
		pc, err := cert.CreatePartCert(id, objHash, h.privs[id])
		require.NoError(t, err)
		echo := &types.Echo{RID: id, BlkHash: blk.Hash, Opcode: types.OpcodeBlock, PartCert: pc}
		require.NoError(t, proposer.OnReceiveEcho(echo))
	}

	// A fourth, late echo arrives after nmajority quorum — receiveEchoLocked
	// must still be willing to reply with a unicast Ack while the ack timer
	// for this block remains armed (scenario: late-echo straggler).
	pc4, err := cert.CreatePartCert(4, objHash, h.privs[4])
	require.NoError(t, err)
	straggler := &types.Echo{RID: 4, BlkHash: blk.Hash, Opcode: types.OpcodeBlock, PartCert: pc4}
	require.NoError(t, proposer.OnReceiveEcho(straggler))
}

func TestOnReceiveEchoRejectsInvalidSignature(t *testing.T) {
	h := buildHarness(t, 4, 1, 1)
	proposer := h.cores[1]
	genesisHash := proposer.GetGenesis().Hash
	blk, err := proposer.OnPropose([][]byte{[]byte("cmd")}, []types.Hash{genesisHash}, nil)
	require.NoError(t, err)

	impostor := cert.GeneratePrivateKey()
	objHash := types.PropagateObjHash(blk.Hash)
	pc, err := cert.CreatePartCert(2, objHash, impostor) // signed by the wrong key for replica 2
	require.NoError(t, err)
	echo := &types.Echo{RID: 2, BlkHash: blk.Hash, Opcode: types.OpcodeBlock, PartCert: pc}

	require.Error(t, proposer.OnReceiveEcho(echo))
}

func TestPruneRemovesStaleBlocksAfterCommit(t *testing.T) {
	h := buildHarness(t, 4, 1, 1)
	proposer := h.cores[1]

	genesisHash := proposer.GetGenesis().Hash
	parent := genesisHash
	blocks := make([]*types.Block, 0, 4)
	for i := 0; i < 4; i++ {
		blk, err := proposer.OnPropose([][]byte{[]byte("cmd")}, []types.Hash{parent}, nil)
		require.NoError(t, err)
		h.settle() // every replica must deliver this block before the next one, built on top of it, can be proposed
		blocks = append(blocks, blk)
		parent = blk.Hash
	}

	// blocks[2] (height 3) is the block blocks[3]'s qc_ref points at;
	// pre-committing it across nmajority replicas commits the whole
	// ancestor chain back to genesis in one checkCommit call, advancing
	// b_exec to blocks[2].
	for _, id := range []uint64{1, 2, 3} {
		c := h.cores[id]
		local := c.FindBlock(blocks[2].Hash)
		require.NotNil(t, local)
		c.OnPreCommitTimeout(local)
	}
	h.settle()

	host1 := h.hosts[1]
	host1.mu.Lock()
	require.Len(t, host1.consensus, 3, "blocks 1-3 should have committed together")
	host1.mu.Unlock()

	proposer.Prune(1)
	require.Nil(t, proposer.FindBlock(genesisHash), "genesis should be pruned past staleness depth")
	require.NotNil(t, proposer.FindBlock(blocks[2].Hash))
}

func TestAsyncHqcUpdateFiresOnImprovement(t *testing.T) {
	h := buildHarness(t, 4, 1, 1)
	proposer := h.cores[1]
	genesisHash := proposer.GetGenesis().Hash

	done := make(chan *types.Block, 1)
	proposer.AsyncHqcUpdate(func(b *types.Block) { done <- b })

	blk, err := proposer.OnPropose([][]byte{[]byte("cmd")}, []types.Hash{genesisHash}, nil)
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Equal(t, blk.Hash, got.Hash)
	case <-time.After(time.Second):
		t.Fatal("hqc update never fired")
	}
}

// TestAsyncQCFinishFiresImmediatelyAfterQuorumAlreadyReached drives echo
// quorum on a non-commit-height block to completion first (the proposer's
// self-echo plus the echoes the settle delivers, so re-sending echoes from
// 1-3 is rejected as duplicates), then calls AsyncQCFinish afterward. blk.QC is never set for a non-commit-height
// block (only propagateEchos records its echo quorum), so a late caller
// that relied on blk.QC would attach to a future onQCFinish already
// resolved-and-replaced, and hang forever.
func TestAsyncQCFinishFiresImmediatelyAfterQuorumAlreadyReached(t *testing.T) {
	h := buildHarness(t, 4, 1, 2) // commit-interval 2: height 1 is not a commit boundary
	proposer := h.cores[1]
	genesisHash := proposer.GetGenesis().Hash

	blk, err := proposer.OnPropose([][]byte{[]byte("cmd")}, []types.Hash{genesisHash}, nil)
	require.NoError(t, err)
	h.settle()

	objHash := types.PropagateObjHash(blk.Hash)
	for _, id := range []uint64{1, 2, 3} { // nmajority for n=4, f=1
		pc, err := cert.CreatePartCert(id, objHash, h.privs[id])
		require.NoError(t, err)
		echo := &types.Echo{RID: id, BlkHash: blk.Hash, Opcode: types.OpcodeBlock, PartCert: pc}
		require.ErrorIs(t, proposer.OnReceiveEcho(echo), core.ErrDuplicate)
	}
	require.Nil(t, proposer.FindBlock(blk.Hash).QC, "non-commit-height blocks never get QC set")

	done := make(chan *types.Block, 1)
	proposer.AsyncQCFinish(blk, func(b *types.Block) { done <- b })

	select {
	case got := <-done:
		require.Equal(t, blk.Hash, got.Hash)
	case <-time.After(time.Second):
		t.Fatal("AsyncQCFinish hung on a block whose echo quorum had already been reached")
	}
}
