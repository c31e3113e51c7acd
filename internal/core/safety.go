package core

import (
	"context"

	"github.com/mastran/synchs-omission/internal/cert"
	"github.com/mastran/synchs-omission/internal/promise"
	"github.com/mastran/synchs-omission/internal/types"
)

// OnDeliverBlk validates b's delivery invariants (every parent delivered,
// any qc_ref present in the store) and marks it delivered on success.
// Returns false without error on a block that isn't deliverable yet —
// the caller (fetch/sync layer) is responsible for retrying once
// dependencies arrive.
func (c *Core) OnDeliverBlk(b *types.Block) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliverLocked(b)
}

func (c *Core) deliverLocked(b *types.Block) bool {
	if b.Delivered {
		return true // duplicate delivery is a no-op success
	}
	if !c.store.CanDeliver(b) {
		return false
	}
	if err := c.store.Deliver(b); err != nil {
		c.log.Warnf("deliver %x: %v", b.Hash, err)
		return false
	}
	return true
}

// OnPropose is on_propose: builds a new block atop parents, embeds a QC
// only at a commit-interval height when the highest QC has improved since
// the last embedding (supplemented feature #2), then triggers the
// propagation phase — proposing does not vote directly.
func (c *Core) OnPropose(cmds [][]byte, parents []types.Hash, extra []byte) (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.viewTrans {
		return nil, ErrWrongState
	}
	if len(parents) == 0 {
		return nil, ErrWrongState
	}

	primary := c.store.FindBlk(parents[0])
	if primary == nil {
		return nil, ErrUnknownBlock
	}
	height := primary.Height + 1
	isCommitHeight := height%c.cfg.CommitInterval == 0

	var qcRef *types.Hash
	var qc *cert.QuorumCert
	if isCommitHeight {
		if c.lastQCRef != c.hqcBlock.Hash {
			h := c.hqcBlock.Hash
			qcRef = &h
			qc = c.hqcQC
		}
		c.lastQCRef = c.hqcBlock.Hash
	}

	bnew := types.NewBlock(parents, height, cmds, qcRef, qc, extra)

	if bnew.Height <= c.vheight {
		c.log.Fatalf("safety: proposed height %d <= vheight %d", bnew.Height, c.vheight)
		return nil, ErrVoteBelowHeight
	}
	c.vheight = bnew.Height
	c.finishedPropose[bnew.Hash] = true

	bnew = c.store.AddBlk(bnew)
	if !c.deliverLocked(bnew) {
		return nil, ErrNotDelivered
	}

	c.propagateBlkLocked(bnew)

	prop := &types.Proposal{Proposer: c.id, Block: bnew}
	c.host.BroadcastProposal(prop)

	fut := c.waitProposal
	c.waitProposal = promise.New[*types.Proposal]()
	fut.Resolve(prop)

	return bnew, nil
}

// OnReceiveProposal is on_receive_proposal: the equivocation slot, the
// extends-hqc walk, qc_ref bookkeeping, and (only on a favorable opinion)
// handing the block into the propagation phase.
func (c *Core) OnReceiveProposal(prop *types.Proposal) error {
	c.mu.Lock()
	err := c.receiveProposalLocked(prop)
	c.mu.Unlock()
	if err == ErrNotDelivered {
		c.RequestMissingParents(context.Background(), prop.Block)
	}
	return err
}

func (c *Core) receiveProposalLocked(prop *types.Proposal) error {
	bnew := c.store.AddBlk(prop.Block)
	if !c.deliverLocked(bnew) {
		return ErrNotDelivered
	}
	// finishedPropose makes proposal processing idempotent: a proposal this
	// replica already processed (its own, looped back by a broadcast, or a
	// re-broadcast after echo quorum) is not processed a second time.
	if c.finishedPropose[bnew.Hash] {
		return nil
	}

	opinion := false
	slot := c.proposals[bnew.Height]
	if len(slot) <= 1 {
		slot = append(slot, bnew)
		c.proposals[bnew.Height] = slot
		if len(slot) > 1 {
			c.blameLocked()
		} else {
			opinion = true
		}
	}
	// A third-or-later proposal at this height is silently ignored: the
	// slot is frozen at size 2 and neither branch above runs again.

	if opinion {
		extendsHqc := c.walkExtendsHqc(bnew)
		if extendsHqc {
			if bnew.Height <= c.vheight {
				c.log.Fatalf("safety: vote at height %d <= vheight %d", bnew.Height, c.vheight)
				return ErrVoteBelowHeight
			}
			c.vheight = bnew.Height
		}
		opinion = extendsHqc
	}

	c.finishedPropose[bnew.Hash] = true

	if bnew.QCRef != nil && bnew.QC != nil {
		qcRef, qc := *bnew.QCRef, bnew.QC
		// Verification runs off the verification pool and re-enters under
		// the lock once it resolves; on_qc_finish fires regardless of this
		// proposal's own opinion, but only once the embedded qc is valid.
		c.verifyQCAsync(qc, func() {
			if qcRefBlk := c.store.FindBlk(qcRef); qcRefBlk != nil {
				qcRefBlk.QC = qc
				c.updateHqc(qcRefBlk, qc)
				c.onQCFinish(qcRefBlk)
			}
		})
	}

	fut := c.waitReceiveProposal
	c.waitReceiveProposal = promise.New[*types.Proposal]()
	fut.Resolve(prop)

	if opinion {
		c.propagateBlkLocked(bnew)
	}
	return nil
}

// walkExtendsHqc walks parents[0] from bnew down to hqc's height and
// reports whether it lands exactly on hqc.block — the three-way result
// (equivocation handled by the caller, extends-hqc, diverges-from-hqc) is
// preserved per SPEC_FULL.md's supplemented feature #3.
func (c *Core) walkExtendsHqc(bnew *types.Block) bool {
	cur := bnew
	for cur.Height > c.hqcBlock.Height {
		parentHash, ok := cur.PrimaryParent()
		if !ok {
			return false
		}
		parent := c.store.FindBlk(parentHash)
		if parent == nil {
			return false
		}
		cur = parent
	}
	return cur.Hash == c.hqcBlock.Hash
}

// OnReceiveVote is on_receive_vote: out-of-order handling synthesizes a
// proposal (using the voter as a stand-in proposer — a quickfix that may
// be inaccurate for some pacemakers, carried over from the source
// unchanged) before accumulating the vote into the block's self_qc.
func (c *Core) OnReceiveVote(v *types.Vote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveVoteLocked(v)
}

func (c *Core) receiveVoteLocked(v *types.Vote) error {
	blk := c.store.FindBlk(v.BlkHash)
	if blk == nil {
		return ErrUnknownBlock
	}
	if err := c.verifyPartCert(v.Voter, v.PartCert); err != nil {
		return err
	}
	if !c.finishedPropose[blk.Hash] {
		if err := c.receiveProposalLocked(&types.Proposal{Proposer: v.Voter, Block: blk}); err != nil {
			c.log.Warnf("synthesized proposal for out-of-order vote on %x: %v", blk.Hash, err)
		}
	}

	nmajority := int(c.committee.NMajority())
	if len(blk.Voted) >= nmajority {
		return nil // quorum already reached, drop
	}
	if blk.Voted[v.Voter] {
		return ErrDuplicate
	}
	blk.Voted[v.Voter] = true

	if blk.SelfQC == nil {
		members, err := c.committee.Members()
		if err != nil {
			return err
		}
		qc, err := cert.NewQuorumCert(members, types.VoteObjHash(blk.Hash))
		if err != nil {
			return err
		}
		blk.SelfQC = qc
	}
	if err := blk.SelfQC.AddPart(v.PartCert); err != nil {
		return ErrVerifyFailed
	}

	if blk.SelfQC.Len() == nmajority {
		if err := blk.SelfQC.Compute(); err != nil {
			return err
		}
		blk.QC = blk.SelfQC
		c.updateHqc(blk, blk.QC)
		// on_qc_finish is intentionally NOT invoked from vote
		// aggregation — only from propagation's echo quorum — matching
		// the commented-out call in the source.
	}
	return nil
}

// CheckCommit is check_commit: walks parents[0] from blk down to b_exec,
// asserts the walk lands exactly on b_exec (a safety breach otherwise,
// which halts the replica rather than silently committing a divergent
// branch), then commits in ascending height order.
func (c *Core) CheckCommit(blk *types.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkCommitLocked(blk)
}

func (c *Core) checkCommitLocked(blk *types.Block) error {
	var queue []*types.Block
	cur := blk
	for cur.Height > c.bExec.Height {
		queue = append(queue, cur)
		parentHash, ok := cur.PrimaryParent()
		if !ok {
			break
		}
		parent := c.store.FindBlk(parentHash)
		if parent == nil {
			break
		}
		cur = parent
	}
	if cur.Hash != c.bExec.Hash {
		c.log.Fatalf("safety breach: commit chain from %x does not reach b_exec %x", blk.Hash, c.bExec.Hash)
		return ErrSafetyBreach
	}

	for i := len(queue) - 1; i >= 0; i-- {
		b := queue[i]
		b.Decision = types.Committed
		c.host.Consensus(b)
		for idx, cmd := range b.Cmds {
			c.host.Decide(&types.Finality{
				RID:       c.id,
				Decision:  1,
				CmdIdx:    uint32(idx),
				CmdHeight: uint32(b.Height),
				CmdHash:   types.CmdHash(cmd),
				BlkHash:   b.Hash,
			})
		}
	}
	c.bExec = blk
	return nil
}
