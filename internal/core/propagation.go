package core

import (
	"github.com/thoas/go-funk"

	"github.com/mastran/synchs-omission/internal/cert"
	"github.com/mastran/synchs-omission/internal/timer"
	"github.com/mastran/synchs-omission/internal/types"
)

// propagateBlkLocked is _propagate_blk: it starts the Echo phase for a
// newly-delivered block. Commit-boundary heights broadcast the Echo and
// arm a 3Δ propagation timer; other heights unicast to (or, if this
// replica is itself the proposer, self-deliver directly to) the current
// proposer only, since only the proposer needs to aggregate
// non-boundary Echoes (supplemented feature #5).
func (c *Core) propagateBlkLocked(blk *types.Block) {
	objHash := types.PropagateObjHash(blk.Hash)
	pc, err := cert.CreatePartCert(c.id, objHash, c.priv)
	if err != nil {
		c.log.Errorf("propagate %x: create part cert: %v", blk.Hash, err)
		return
	}
	echo := &types.Echo{RID: c.id, BlkHash: blk.Hash, Opcode: types.OpcodeBlock, PartCert: pc}

	isCommitHeight := blk.Height%c.cfg.CommitInterval == 0
	if isCommitHeight {
		c.host.BroadcastEcho(echo)
		c.ts.Start(timer.KindPropagate, blk.Hash.Hex(), c.cfg.Delta()*3, blk)
		return
	}

	proposer := c.committee.Proposer(c.view)
	if c.id == proposer {
		c.receiveEchoLocked(echo)
	} else {
		c.host.SendEcho(echo, proposer)
	}
}

// OnReceiveEcho is on_receive_echo.
func (c *Core) OnReceiveEcho(e *types.Echo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveEchoLocked(e)
}

func (c *Core) receiveEchoLocked(e *types.Echo) error {
	blk := c.store.FindBlk(e.BlkHash)
	if blk == nil {
		return ErrUnknownBlock
	}
	if err := c.verifyPartCert(e.RID, e.PartCert); err != nil {
		return err
	}

	signers, ok := c.propagateEchos[e.BlkHash]
	if !ok {
		signers = make(map[uint64]bool)
		c.propagateEchos[e.BlkHash] = signers
	}
	if signers[e.RID] {
		return ErrDuplicate
	}

	nmajority := int(c.committee.NMajority())
	wasBelow := len(signers) < nmajority
	signers[e.RID] = true

	isCommitHeight := blk.Height%c.cfg.CommitInterval == 0

	switch {
	case len(signers) == nmajority && wasBelow:
		if !isCommitHeight {
			c.onQCFinish(blk)
			return nil
		}
		if !c.ts.IsArmed(timer.KindPropagate, blk.Hash.Hex()) {
			return nil // propagation timer already fired: suppress
		}
		c.onQCFinish(blk)
		c.rebroadcastAndAckLocked(blk, signers)

	case len(signers) > nmajority:
		// Late straggler: only meaningful for commit-boundary blocks,
		// and only while the ack timer for this block is still armed.
		if isCommitHeight && c.ts.IsArmed(timer.KindAck, blk.Hash.Hex()) {
			objHash := types.PropagateObjHash(blk.Hash)
			pc, err := cert.CreatePartCert(c.id, objHash, c.priv)
			if err != nil {
				return err
			}
			ack := &types.Ack{RID: c.id, BlkHash: blk.Hash, Opcode: types.OpcodeBlock, PartCert: pc}
			c.host.SendAck(ack, e.RID)
		}
	}
	return nil
}

func (c *Core) rebroadcastAndAckLocked(blk *types.Block, echoSigners map[uint64]bool) {
	proposer := c.committee.Proposer(c.view)
	c.host.BroadcastProposal(&types.Proposal{Proposer: proposer, Block: blk})

	objHash := types.PropagateObjHash(blk.Hash)
	pc, err := cert.CreatePartCert(c.id, objHash, c.priv)
	if err != nil {
		c.log.Errorf("ack %x: create part cert: %v", blk.Hash, err)
		return
	}
	ack := &types.Ack{RID: c.id, BlkHash: blk.Hash, Opcode: types.OpcodeBlock, PartCert: pc}

	// Echo signer ids collected via go-funk's reflective Keys rather than a
	// hand-rolled loop, the way canopy's bft package dedupes signer sets.
	dests, _ := funk.Keys(echoSigners).([]uint64)
	c.host.MulticastAck(ack, dests)
	c.ts.Start(timer.KindAck, blk.Hash.Hex(), c.cfg.Delta()*2, blk)

	if echoSigners[c.id] {
		c.receiveAckLocked(ack)
	}
}

// OnReceiveAck is on_receive_ack.
func (c *Core) OnReceiveAck(a *types.Ack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveAckLocked(a)
}

func (c *Core) receiveAckLocked(a *types.Ack) error {
	blk := c.store.FindBlk(a.BlkHash)
	if blk == nil {
		return ErrUnknownBlock
	}
	if err := c.verifyPartCert(a.RID, a.PartCert); err != nil {
		return err
	}
	acks, ok := c.propagateAcks[a.BlkHash]
	if !ok {
		acks = make(map[uint64]bool)
		c.propagateAcks[a.BlkHash] = acks
	}
	if acks[a.RID] {
		return ErrDuplicate
	}
	acks[a.RID] = true

	if len(acks) == int(c.committee.NMajority()) {
		c.onProposePropagatedLocked(blk)
	}
	return nil
}

// onProposePropagatedLocked is on_propose_propagated: the point at which
// the replica actually votes (unless vote-disabled). It fires at most
// once per blk_hash (invariant 7). If the block carries a qc_ref, it also
// arms a 2Δ pre-commit timer for the *referenced* block, not this one.
func (c *Core) onProposePropagatedLocked(blk *types.Block) {
	if c.propagated[blk.Hash] {
		return
	}
	c.propagated[blk.Hash] = true

	if !c.voteDisabled {
		c.voteLocked(blk)
	}

	if blk.QCRef != nil {
		if refBlk := c.store.FindBlk(*blk.QCRef); refBlk != nil {
			c.ts.Start(timer.KindPreCommit, refBlk.Hash.Hex(), c.cfg.Delta()*2, refBlk)
		}
	}
}

// voteLocked is _vote: self-deliver then unconditionally broadcast.
func (c *Core) voteLocked(blk *types.Block) {
	objHash := types.VoteObjHash(blk.Hash)
	pc, err := cert.CreatePartCert(c.id, objHash, c.priv)
	if err != nil {
		c.log.Errorf("vote %x: create part cert: %v", blk.Hash, err)
		return
	}
	vote := &types.Vote{Voter: c.id, BlkHash: blk.Hash, PartCert: pc}

	if err := c.receiveVoteLocked(vote); err != nil {
		c.log.Warnf("self-deliver vote on %x: %v", blk.Hash, err)
	}
	c.host.BroadcastVote(vote)
}
