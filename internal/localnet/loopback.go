// Package localnet provides an in-process transport that satisfies
// core.Host by calling directly into every other replica's Core in the
// same OS process — the ambient CLI entry point's stand-in for the real
// gRPC/libp2p transport chainmaker-go and canopy each ship, which is out
// of this repository's scope (§1's component table has no transport row).
// Every broadcast, send and notify is dispatched on its own goroutine so a
// slow peer never blocks the caller's single-threaded event loop;
// FetchBlock, Decide and Consensus run on the caller's goroutine.
package localnet

import (
	"github.com/mastran/synchs-omission/internal/core"
	"github.com/mastran/synchs-omission/internal/logging"
	"github.com/mastran/synchs-omission/internal/types"
)

// Network is the shared switchboard every replica's Host handle dispatches
// through. It is populated after every Core is constructed (Register),
// since each Core needs a Host at construction time but the full peer set
// isn't known until every replica exists.
type Network struct {
	replicas map[uint64]*core.Core
	log      *logging.Logger
}

// NewNetwork creates an empty switchboard.
func NewNetwork() *Network {
	return &Network{replicas: make(map[uint64]*core.Core), log: logging.Get("localnet")}
}

// Register associates a replica id with its Core so broadcasts can reach
// it. Must be called once per replica before any traffic flows.
func (n *Network) Register(id uint64, c *core.Core) {
	n.replicas[id] = c
}

// HostFor returns the core.Host implementation replica id should be
// constructed with.
func (n *Network) HostFor(id uint64, decide func(*types.Finality), consensus func(*types.Block)) core.Host {
	return &loopbackHost{id: id, net: n, decide: decide, consensus: consensus}
}

type loopbackHost struct {
	id        uint64
	net       *Network
	decide    func(*types.Finality)
	consensus func(*types.Block)
}

func (h *loopbackHost) each(fn func(*core.Core)) {
	for _, c := range h.net.replicas {
		c := c
		go fn(c)
	}
}

func (h *loopbackHost) BroadcastProposal(p *types.Proposal) {
	h.each(func(c *core.Core) {
		if err := c.OnReceiveProposal(p); err != nil {
			h.net.log.Debugf("replica %d: receive proposal from %d: %v", c.GetID(), h.id, err)
		}
	})
}

func (h *loopbackHost) BroadcastVote(v *types.Vote) {
	h.each(func(c *core.Core) {
		if err := c.OnReceiveVote(v); err != nil {
			h.net.log.Debugf("replica %d: receive vote from %d: %v", c.GetID(), h.id, err)
		}
	})
}

func (h *loopbackHost) BroadcastBlame(b *types.Blame) {
	h.each(func(c *core.Core) {
		if err := c.OnReceiveBlame(b); err != nil {
			h.net.log.Debugf("replica %d: receive blame from %d: %v", c.GetID(), h.id, err)
		}
	})
}

func (h *loopbackHost) BroadcastBlameNotify(bn *types.BlameNotify) {
	h.each(func(c *core.Core) {
		if err := c.OnReceiveBlameNotify(bn); err != nil {
			h.net.log.Debugf("replica %d: receive blame-notify from %d: %v", c.GetID(), h.id, err)
		}
	})
}

func (h *loopbackHost) BroadcastEcho(e *types.Echo) {
	h.each(func(c *core.Core) {
		if err := c.OnReceiveEcho(e); err != nil {
			h.net.log.Debugf("replica %d: receive echo from %d: %v", c.GetID(), h.id, err)
		}
	})
}

func (h *loopbackHost) BroadcastAck(a *types.Ack) {
	h.each(func(c *core.Core) {
		if err := c.OnReceiveAck(a); err != nil {
			h.net.log.Debugf("replica %d: receive ack from %d: %v", c.GetID(), h.id, err)
		}
	})
}

func (h *loopbackHost) BroadcastPreCommit(p *types.PreCommit) {
	h.each(func(c *core.Core) {
		if err := c.OnReceivePreCommit(p); err != nil {
			h.net.log.Debugf("replica %d: receive pre-commit from %d: %v", c.GetID(), h.id, err)
		}
	})
}

func (h *loopbackHost) SendEcho(e *types.Echo, dest uint64) {
	if c, ok := h.net.replicas[dest]; ok {
		go func() {
			if err := c.OnReceiveEcho(e); err != nil {
				h.net.log.Debugf("replica %d: receive unicast echo from %d: %v", dest, h.id, err)
			}
		}()
	}
}

func (h *loopbackHost) SendAck(a *types.Ack, dest uint64) {
	if c, ok := h.net.replicas[dest]; ok {
		go func() {
			if err := c.OnReceiveAck(a); err != nil {
				h.net.log.Debugf("replica %d: receive unicast ack from %d: %v", dest, h.id, err)
			}
		}()
	}
}

func (h *loopbackHost) MulticastAck(a *types.Ack, dests []uint64) {
	for _, d := range dests {
		h.SendAck(a, d)
	}
}

func (h *loopbackHost) Notify(n *types.Notify) {
	h.each(func(c *core.Core) {
		if err := c.OnReceiveNotify(n); err != nil {
			h.net.log.Debugf("replica %d: receive notify from %d: %v", c.GetID(), h.id, err)
		}
	})
}

// FetchBlock looks the block up in every registered replica's store and
// returns the first copy found, or (nil, nil) if no replica has it.
func (h *loopbackHost) FetchBlock(hash types.Hash) (*types.Block, error) {
	for _, c := range h.net.replicas {
		if blk := c.FindBlock(hash); blk != nil {
			return blk, nil
		}
	}
	return nil, nil
}

func (h *loopbackHost) Decide(f *types.Finality) {
	if h.decide != nil {
		h.decide(f)
	}
}

func (h *loopbackHost) Consensus(b *types.Block) {
	if h.consensus != nil {
		h.consensus(b)
	}
}
