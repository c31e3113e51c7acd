// Package core implements the replication state machine: the block DAG's
// delivery gate, the highest-QC-extending voting rule, the pre-commit-
// gated ancestor-walk commit rule, the Echo/Ack propagation sub-protocol,
// and the Blame/BlameNotify view-change engine. It is a single-threaded
// cooperative state machine — every exported on_* method runs to
// completion without yielding except by handing a continuation to the
// verification pool or a timer.
//
// Grounded structurally on chainmaker-go's
// consensus/chainedbft.ConsensusChainedBftImpl (protocol.go) and smr.go,
// with the literal voting/commit/propagation semantics taken from
// libhotstuff's HotStuffCore (original_source/include/hotstuff/consensus.h,
// src/consensus.cpp), which this repository's distilled spec was built
// from.
package core

import (
	"fmt"
	"sync"

	"github.com/mastran/synchs-omission/internal/blockstore"
	"github.com/mastran/synchs-omission/internal/cert"
	"github.com/mastran/synchs-omission/internal/committee"
	"github.com/mastran/synchs-omission/internal/config"
	"github.com/mastran/synchs-omission/internal/logging"
	"github.com/mastran/synchs-omission/internal/promise"
	"github.com/mastran/synchs-omission/internal/timer"
	"github.com/mastran/synchs-omission/internal/types"
	"github.com/mastran/synchs-omission/internal/verifypool"
	"github.com/mastran/synchs-omission/internal/walstore"
)

// Core is one replica's instance of the replication state machine. There
// is no process-wide global state; every field here is instance-local.
type Core struct {
	mu sync.Mutex

	id        uint64
	cfg       *config.Config
	committee *committee.Committee
	store     *blockstore.Store
	ts        *timer.Service
	vpool     *verifypool.Pool
	wal       *walstore.WAL
	host      Host
	priv      *cert.PrivateKey
	log       *logging.Logger

	b0       *types.Block
	hqcBlock *types.Block
	hqcQC    *cert.QuorumCert
	bExec    *types.Block

	vheight   uint64
	view      uint64
	viewTrans bool

	// proposals[height] is the equivocation-detection slot: only ever
	// grows to size 2 (first proposal recorded, second recorded too but
	// flags blame and is not voted on, anything further is silently
	// ignored) — see
	// SPEC_FULL.md's supplemented-feature #3.
	proposals map[uint64][]*types.Block

	finishedPropose map[types.Hash]bool

	blamed    map[uint64]bool
	blameQC   *cert.QuorumCert
	lastQCRef types.Hash

	voteDisabled bool

	qcFinishFutures     map[types.Hash]*promise.Future[*types.Block]
	waitProposal        *promise.Future[*types.Proposal]
	waitReceiveProposal *promise.Future[*types.Proposal]
	hqcUpdateFut        *promise.Future[*types.Block]
	waitViewChange      *promise.Future[uint64]
	waitViewTrans       *promise.Future[struct{}]

	propagateEchos map[types.Hash]map[uint64]bool
	propagateAcks  map[types.Hash]map[uint64]bool
	propagated     map[types.Hash]bool
}

// Deps bundles the collaborators a Core is constructed with.
type Deps struct {
	ID        uint64
	Cfg       *config.Config
	Committee *committee.Committee
	Store     *blockstore.Store
	Timers    *timer.Service
	VPool     *verifypool.Pool
	WAL       *walstore.WAL
	Host      Host
	Priv      *cert.PrivateKey
}

// NewCore is on_init: it self-certifies the genesis block (hqc starts at
// (b0, b0.qc)) so the first real proposal's qc_ref redundancy guard has a
// well-defined base case (supplemented feature #1).
func NewCore(d Deps, genesis *types.Block) (*Core, error) {
	members, err := d.Committee.Members()
	if err != nil {
		return nil, fmt.Errorf("core: committee members: %w", err)
	}

	genesisVoteHash := types.VoteObjHash(genesis.Hash)
	qc, err := cert.NewQuorumCert(members, genesisVoteHash)
	if err != nil {
		return nil, fmt.Errorf("core: genesis qc: %w", err)
	}
	for _, rid := range d.Committee.IDs() {
		genesis.Voted[rid] = true
	}
	// A real genesis QC would be signed out-of-band by every replica at
	// bootstrap (each contributing its own share over the same hash);
	// here this replica self-certifies with the one key it actually
	// holds, so Compute() always succeeds even before the others join.
	pc, err := cert.CreatePartCert(d.ID, genesisVoteHash, d.Priv)
	if err != nil {
		return nil, fmt.Errorf("core: genesis self cert: %w", err)
	}
	if err := qc.AddPart(pc); err != nil {
		return nil, fmt.Errorf("core: genesis add part: %w", err)
	}
	if err := qc.Compute(); err != nil {
		return nil, fmt.Errorf("core: genesis qc compute: %w", err)
	}
	genesis.QC = qc

	c := &Core{
		id:        d.ID,
		cfg:       d.Cfg,
		committee: d.Committee,
		store:     d.Store,
		ts:        d.Timers,
		vpool:     d.VPool,
		wal:       d.WAL,
		host:      d.Host,
		priv:      d.Priv,
		log:       logging.Get("core"),

		b0:       genesis,
		hqcBlock: genesis,
		hqcQC:    qc,
		bExec:    genesis,

		vheight: genesis.Height,

		proposals:       make(map[uint64][]*types.Block),
		finishedPropose: map[types.Hash]bool{genesis.Hash: true},
		blamed:          make(map[uint64]bool),
		lastQCRef:       genesis.Hash,

		qcFinishFutures:     make(map[types.Hash]*promise.Future[*types.Block]),
		waitProposal:        promise.New[*types.Proposal](),
		waitReceiveProposal: promise.New[*types.Proposal](),
		hqcUpdateFut:        promise.New[*types.Block](),
		waitViewChange:      promise.New[uint64](),
		waitViewTrans:       promise.New[struct{}](),

		propagateEchos: make(map[types.Hash]map[uint64]bool),
		propagateAcks:  make(map[types.Hash]map[uint64]bool),
		propagated:     make(map[types.Hash]bool),
	}

	blameHash := types.BlameObjHash(c.view)
	blameQC, err := cert.NewQuorumCert(members, blameHash)
	if err != nil {
		return nil, fmt.Errorf("core: blame qc: %w", err)
	}
	c.blameQC = blameQC

	c.ts.Start(timer.KindBlame, "", c.cfg.Delta()*3, nil)

	return c, nil
}

// GetGenesis returns the genesis block handle.
func (c *Core) GetGenesis() *types.Block { return c.b0 }

// GetHQC returns the current highest-height certified (block, qc) pair.
func (c *Core) GetHQC() (*types.Block, *cert.QuorumCert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hqcBlock, c.hqcQC
}

// GetConfig returns the replica's configuration.
func (c *Core) GetConfig() *config.Config { return c.cfg }

// GetID returns this replica's own id.
func (c *Core) GetID() uint64 { return c.id }

// GetTails returns the current leaf set of the block DAG.
func (c *Core) GetTails() []types.Hash { return c.store.Tails() }

// FindBlock looks up a block this replica already has, for a transport's
// FetchBlock implementation to serve to a peer.
func (c *Core) FindBlock(h types.Hash) *types.Block { return c.store.FindBlk(h) }

// GetView returns the current view number.
func (c *Core) GetView() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// SetVoteDisabled toggles whether on_propose_propagated actually emits a
// Vote — used by deployments that want propagation without voting (e.g.
// a read-only observer replica).
func (c *Core) SetVoteDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voteDisabled = disabled
}

// AddReplica admits a new committee member and retroactively credits it
// in the genesis block's voted set, mirroring the source's add_replica.
func (c *Core) AddReplica(p committee.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committee.AddReplica(p)
	c.b0.Voted[p.ID] = true
}

// Prune releases every block staleness or more primary-parent hops
// behind b_exec, clearing qc_ref back-references as it goes (§9, S6).
func (c *Core) Prune(staleness int) {
	c.mu.Lock()
	bExec := c.bExec.Hash
	c.mu.Unlock()
	c.store.Prune(bExec, staleness)
}

func (c *Core) updateHqc(blk *types.Block, qc *cert.QuorumCert) {
	if blk.Height <= c.hqcBlock.Height {
		return
	}
	c.hqcBlock = blk
	c.hqcQC = qc
	fut := c.hqcUpdateFut
	c.hqcUpdateFut = promise.New[*types.Block]()
	fut.Resolve(blk)
}

// onQCFinish resolves (and replaces) the per-block future waited on by
// async_qc_finish.
func (c *Core) onQCFinish(blk *types.Block) {
	fut, ok := c.qcFinishFutures[blk.Hash]
	if !ok {
		fut = promise.New[*types.Block]()
	}
	fut.Resolve(blk)
	c.qcFinishFutures[blk.Hash] = promise.New[*types.Block]()
}

// AsyncQCFinish resolves when a QC forms for blk, or immediately if it's
// genesis or echo quorum has already been reached. blk.QC is not a
// reliable signal here: it's only ever set at commit-interval heights, so
// a non-commit-height block that already reached echo quorum (and already
// fired onQCFinish, which resolves-then-replaces the future) would
// otherwise attach to a fresh future that will never resolve.
func (c *Core) AsyncQCFinish(blk *types.Block, cont func(*types.Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nmajority := int(c.committee.NMajority())
	if blk.Hash == c.b0.Hash || len(c.propagateEchos[blk.Hash]) >= nmajority {
		cont(blk)
		return
	}
	fut, ok := c.qcFinishFutures[blk.Hash]
	if !ok {
		fut = promise.New[*types.Block]()
		c.qcFinishFutures[blk.Hash] = fut
	}
	fut.Then(cont)
}

// AsyncWaitProposal resolves with the next locally-issued proposal.
func (c *Core) AsyncWaitProposal(cont func(*types.Proposal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitProposal.Then(cont)
}

// AsyncWaitReceiveProposal resolves with the next externally-received
// proposal.
func (c *Core) AsyncWaitReceiveProposal(cont func(*types.Proposal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitReceiveProposal.Then(cont)
}

// AsyncHqcUpdate resolves with the new highest-certified block on every
// improvement.
func (c *Core) AsyncHqcUpdate(cont func(*types.Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hqcUpdateFut.Then(cont)
}

// AsyncWaitViewChange resolves after entering a new view.
func (c *Core) AsyncWaitViewChange(cont func(uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitViewChange.Then(cont)
}

// AsyncWaitViewTrans resolves on entering InTransition.
func (c *Core) AsyncWaitViewTrans(cont func(struct{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitViewTrans.Then(cont)
}
