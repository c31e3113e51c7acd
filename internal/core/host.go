package core

import "github.com/mastran/synchs-omission/internal/types"

// Host is the capability bundle the core is parameterized over — a
// replacement for the virtual do_* methods of the original class
// hierarchy (§9's "no abstract base class" design note). The transport,
// wire serialization, and storage live behind this interface; the core
// only ever calls it, never the reverse.
type Host interface {
	BroadcastProposal(*types.Proposal)
	BroadcastVote(*types.Vote)
	BroadcastBlame(*types.Blame)
	BroadcastBlameNotify(*types.BlameNotify)
	BroadcastEcho(*types.Echo)
	BroadcastAck(*types.Ack)
	BroadcastPreCommit(*types.PreCommit)

	SendEcho(e *types.Echo, dest uint64)
	SendAck(a *types.Ack, dest uint64)
	MulticastAck(a *types.Ack, dests []uint64)

	Notify(n *types.Notify)

	// FetchBlock asks the network for block h, returning (nil, nil) when
	// no peer currently has it rather than an error — RequestMissingParents
	// treats that as retryable.
	FetchBlock(h types.Hash) (*types.Block, error)

	// Decide is called once per committed command, in ascending height
	// order, carrying the Finality record external observers consume.
	Decide(f *types.Finality)
	// Consensus is called once per committed block, before its commands'
	// Decide calls, so a host can update any per-block bookkeeping first.
	Consensus(b *types.Block)
}
