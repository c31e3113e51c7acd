// Package blockstore implements the content-addressed block DAG: the
// arena that exclusively owns Block objects, grounded on chainmaker-go's
// chainedbft/block_pool.BlockPool (hash-keyed map plus a tail set)
// generalized to the full delivery/prune contract of §4.1/§9.
package blockstore

import (
	"fmt"
	"sync"

	"github.com/mastran/synchs-omission/internal/logging"
	"github.com/mastran/synchs-omission/internal/types"
)

var log = logging.Get("blockstore")

// Store is the content-addressed map hash -> Block. It exclusively owns
// blocks; every other component holds a *types.Block handle into it.
type Store struct {
	mu     sync.RWMutex
	blocks map[types.Hash]*types.Block

	// tails is the leaf set: hashes of blocks not known to be a parent of
	// any other delivered block, i.e. candidates to propose on top of.
	tails map[types.Hash]struct{}
}

// New creates an empty store seeded with the genesis block, which is
// inserted pre-delivered (genesis has no parents to wait on).
func New(genesis *types.Block) *Store {
	genesis.Delivered = true
	s := &Store{
		blocks: map[types.Hash]*types.Block{genesis.Hash: genesis},
		tails:  map[types.Hash]struct{}{genesis.Hash: {}},
	}
	return s
}

// AddBlk inserts b, or returns the canonical handle if its hash is
// already present — deduplication is mandatory, never a second copy.
func (s *Store) AddBlk(b *types.Block) *types.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blocks[b.Hash]; ok {
		return existing
	}
	s.blocks[b.Hash] = b
	return b
}

// FindBlk looks up a block by hash; returns nil if absent.
func (s *Store) FindBlk(h types.Hash) *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[h]
}

// CanDeliver reports whether b's delivery invariants hold: every parent is
// delivered, and the block its qc_ref points to (if any) is present.
func (s *Store) CanDeliver(b *types.Block) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range b.Parents {
		parent, ok := s.blocks[p]
		if !ok || !parent.Delivered {
			return false
		}
	}
	if b.QCRef != nil {
		if _, ok := s.blocks[*b.QCRef]; !ok {
			return false
		}
	}
	return true
}

// Deliver marks b delivered and updates the tail set: b's parents are no
// longer tails (b now hangs off of them) and b itself becomes one.
// Re-delivery of an already-delivered block is a no-op.
func (s *Store) Deliver(b *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Delivered {
		return nil
	}
	for _, p := range b.Parents {
		parent, ok := s.blocks[p]
		if !ok || !parent.Delivered {
			return fmt.Errorf("blockstore: deliver %x: parent %x not delivered", b.Hash, p)
		}
	}
	if b.QCRef != nil {
		if _, ok := s.blocks[*b.QCRef]; !ok {
			return fmt.Errorf("blockstore: deliver %x: qc_ref %x missing", b.Hash, *b.QCRef)
		}
	}
	b.Delivered = true
	for _, p := range b.Parents {
		delete(s.tails, p)
	}
	s.tails[b.Hash] = struct{}{}
	return nil
}

// Tails returns the current leaf set: hashes of delivered blocks that are
// not yet a parent of any other delivered block.
func (s *Store) Tails() []types.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Hash, 0, len(s.tails))
	for h := range s.tails {
		out = append(out, h)
	}
	return out
}

// TryReleaseBlk drops b from the store. Only called from Prune, which is
// responsible for ensuring b has no live references left.
func (s *Store) TryReleaseBlk(h types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, h)
	delete(s.tails, h)
}

// Prune walks staleness primary-parent hops back from bExec to find the
// boundary block, then releases the boundary and everything behind it,
// clearing qc_ref back-references along the way to break the retain cycle
// described for the block/qc_ref/self_qc ownership graph.
func (s *Store) Prune(bExec types.Hash, staleness int) {
	s.mu.RLock()
	cur, ok := s.blocks[bExec]
	s.mu.RUnlock()
	if !ok {
		return
	}

	boundary := cur
	for i := 0; i < staleness; i++ {
		s.mu.RLock()
		parentHash, hasParent := boundary.PrimaryParent()
		s.mu.RUnlock()
		if !hasParent {
			return // reached genesis before staleness hops; nothing to prune
		}
		s.mu.RLock()
		p, ok := s.blocks[parentHash]
		s.mu.RUnlock()
		if !ok {
			return
		}
		boundary = p
	}

	// Stack-based release: boundary itself is staleness hops behind
	// b_exec and is released along with everything back to genesis,
	// clearing qc_ref as it goes.
	stack := []types.Hash{boundary.Hash}
	walker := boundary
	for {
		parentHash, hasParent := walker.PrimaryParent()
		if !hasParent {
			break
		}
		stack = append(stack, parentHash)
		s.mu.RLock()
		next, ok := s.blocks[parentHash]
		s.mu.RUnlock()
		if !ok {
			break
		}
		walker = next
	}

	for _, h := range stack {
		s.mu.Lock()
		b, ok := s.blocks[h]
		if ok && b.QCRef != nil {
			b.QCRef = nil
		}
		s.mu.Unlock()
		log.Debugf("pruning block %x", h)
		s.TryReleaseBlk(h)
	}
}
