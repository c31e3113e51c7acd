package core

import (
	"github.com/mastran/synchs-omission/internal/cert"
	"github.com/mastran/synchs-omission/internal/types"
)

// OnPreCommitTimeout is on_pre_commit_timeout: broadcasts a PreCommit for
// blk and self-delivers it. This is armed by onProposePropagatedLocked on
// the block a proposal's qc_ref points to, never on the proposal itself.
func (c *Core) OnPreCommitTimeout(blk *types.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	objHash := types.PreCommitObjHash(blk.Hash)
	pc, err := cert.CreatePartCert(c.id, objHash, c.priv)
	if err != nil {
		c.log.Errorf("pre-commit %x: create part cert: %v", blk.Hash, err)
		return
	}
	pre := &types.PreCommit{RID: c.id, BlkHash: blk.Hash, PartCert: pc}

	c.host.BroadcastPreCommit(pre)
	if err := c.receivePreCommitLocked(pre); err != nil {
		c.log.Warnf("self-deliver pre-commit on %x: %v", blk.Hash, err)
	}
}

// OnReceivePreCommit is on_receive_pre_commit: the sole trigger for
// CheckCommit. A block commits only after |preCommitted| >= nmajority
// for that block (invariant 4).
func (c *Core) OnReceivePreCommit(p *types.PreCommit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivePreCommitLocked(p)
}

func (c *Core) receivePreCommitLocked(p *types.PreCommit) error {
	blk := c.store.FindBlk(p.BlkHash)
	if blk == nil {
		return ErrUnknownBlock
	}
	if err := c.verifyPartCert(p.RID, p.PartCert); err != nil {
		return err
	}
	if blk.PreCommitted[p.RID] {
		return ErrDuplicate
	}
	blk.PreCommitted[p.RID] = true

	if len(blk.PreCommitted) == int(c.committee.NMajority()) {
		return c.checkCommitLocked(blk)
	}
	return nil
}
