package core

import (
	"github.com/mastran/synchs-omission/internal/cert"
	"github.com/mastran/synchs-omission/internal/promise"
	"github.com/mastran/synchs-omission/internal/timer"
	"github.com/mastran/synchs-omission/internal/types"
)

// blameLocked is _blame: broadcasts this replica's Blame for the current
// view and self-delivers it. Entry points: on_blame_timeout (no
// progress) and equivocation detection in receiveProposalLocked. A
// received BlameNotify does not blame; it enters the view transition
// directly (OnReceiveBlameNotify).
func (c *Core) blameLocked() {
	objHash := types.BlameObjHash(c.view)
	pc, err := cert.CreatePartCert(c.id, objHash, c.priv)
	if err != nil {
		c.log.Errorf("blame view %d: create part cert: %v", c.view, err)
		return
	}
	blame := &types.Blame{Blamer: c.id, View: c.view, PartCert: pc}
	c.host.BroadcastBlame(blame)
	if err := c.receiveBlameLocked(blame); err != nil {
		c.log.Warnf("self-deliver blame for view %d: %v", c.view, err)
	}
}

// OnBlameTimeout is on_blame_timeout: no proposal progressed within 3Δ of
// view start, so the replica blames the current view (scenario S5).
func (c *Core) OnBlameTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blameLocked()
}

// OnReceiveBlame is on_receive_blame.
func (c *Core) OnReceiveBlame(b *types.Blame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveBlameLocked(b)
}

func (c *Core) receiveBlameLocked(b *types.Blame) error {
	if b.View != c.view {
		return ErrWrongState // stale or future blame relative to our view
	}
	if err := c.verifyPartCert(b.Blamer, b.PartCert); err != nil {
		return err
	}
	nmajority := int(c.committee.NMajority())
	if len(c.blamed) >= nmajority {
		return nil // quorum already reached, drop
	}
	if c.blamed[b.Blamer] {
		return ErrDuplicate
	}
	c.blamed[b.Blamer] = true
	if err := c.blameQC.AddPart(b.PartCert); err != nil {
		return ErrVerifyFailed
	}

	if len(c.blamed) == nmajority {
		c.enterViewTransLocked()
	}
	return nil
}

// enterViewTransLocked is the Blaming -> InTransition edge: it finalizes
// blame_qc, builds and broadcasts a BlameNotify carrying the current hqc,
// stops every commit-path timer, and arms the 2Δ view-transition timer.
// Idempotent: a second call while already in transition is a no-op.
func (c *Core) enterViewTransLocked() {
	if c.viewTrans {
		return
	}
	c.viewTrans = true

	if err := c.blameQC.Compute(); err != nil {
		c.log.Errorf("view %d: compute blame qc: %v", c.view, err)
	}

	bn := &types.BlameNotify{
		View:    c.view,
		HqcHash: c.hqcBlock.Hash,
		HqcQC:   c.hqcQC,
		QC:      c.blameQC,
	}
	c.host.BroadcastBlameNotify(bn)

	c.ts.StopAll(timer.KindPropagate)
	c.ts.StopAll(timer.KindAck)
	c.ts.StopAll(timer.KindPreCommit)

	c.ts.Start(timer.KindViewTrans, "", c.cfg.Delta()*2, nil)

	fut := c.waitViewTrans
	c.waitViewTrans = promise.New[struct{}]()
	fut.Resolve(struct{}{})
}

// OnViewTransTimeout is on_viewtrans_timeout: completes the transition —
// view increments, per-view state clears, a fresh blame_qc is opened over
// the new view, the blame timer restarts, the pacemaker is notified via
// async_wait_view_change, and laggards are caught up via Notify.
func (c *Core) OnViewTransTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.view++
	c.viewTrans = false
	c.proposals = make(map[uint64][]*types.Block)
	c.blamed = make(map[uint64]bool)

	members, err := c.committee.Members()
	if err != nil {
		c.log.Errorf("view %d: committee members: %v", c.view, err)
		return
	}
	blameQC, err := cert.NewQuorumCert(members, types.BlameObjHash(c.view))
	if err != nil {
		c.log.Errorf("view %d: new blame qc: %v", c.view, err)
		return
	}
	c.blameQC = blameQC

	c.ts.Start(timer.KindBlame, "", c.cfg.Delta()*3, nil)

	fut := c.waitViewChange
	c.waitViewChange = promise.New[uint64]()
	fut.Resolve(c.view)

	c.host.Notify(&types.Notify{BlkHash: c.hqcBlock.Hash, QC: c.hqcQC})
}

// OnReceiveNotify is on_receive_notify: a lagging replica's cheapest catch
// up path — a peer's (hqc block, hqc qc) pair, applied only if it improves
// on this replica's own hqc. Unlike BlameNotify this never triggers a view
// transition; it exists purely so async_hqc_update fires for stragglers
// between blame rounds.
func (c *Core) OnReceiveNotify(n *types.Notify) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk := c.store.FindBlk(n.BlkHash)
	if blk == nil {
		return ErrUnknownBlock
	}
	if n.QC == nil {
		return nil
	}
	qc := n.QC
	c.verifyQCAsync(qc, func() { c.updateHqc(blk, qc) })
	return nil
}

// OnReceiveBlameNotify is on_receive_blamenotify: entering view change on
// receipt of a valid BlameNotify does not require having sent Blame
// oneself — the sender already collected nmajority Blames.
func (c *Core) OnReceiveBlameNotify(bn *types.BlameNotify) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bn.HqcQC != nil {
		if refBlk := c.store.FindBlk(bn.HqcHash); refBlk != nil {
			hqcQC := bn.HqcQC
			c.verifyQCAsync(hqcQC, func() { c.updateHqc(refBlk, hqcQC) })
		}
	}

	if c.viewTrans || bn.View < c.view {
		return nil // already transitioning, or a stale notify
	}
	if bn.QC == nil {
		return ErrVerifyFailed
	}
	blameQC := bn.QC
	view := bn.View
	c.verifyQCAsync(blameQC, func() {
		if c.viewTrans || view < c.view {
			return
		}
		c.view = view
		c.enterViewTransLocked()
	})
	return nil
}
