// Package committee tracks the replica set a core instance runs against:
// addresses, public keys, and the quorum threshold, grounded on
// chainmaker-go's chainedbft/committee.go (peer list + quorum size).
package committee

import (
	"fmt"
	"sort"
	"sync"

	"github.com/drand/kyber"

	"github.com/mastran/synchs-omission/internal/cert"
)

// Peer is one replica's identity within the committee.
type Peer struct {
	ID     uint64
	Addr   string
	PubKey kyber.Point
}

// indexedPeers sorts peers by ID for a stable, deterministic ordering —
// the ordering the BLS aggregate bitmap is indexed against.
type indexedPeers []Peer

func (p indexedPeers) Len() int           { return len(p) }
func (p indexedPeers) Less(i, j int) bool { return p[i].ID < p[j].ID }
func (p indexedPeers) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// Committee is the current replica set plus the derived quorum size.
type Committee struct {
	mu        sync.RWMutex
	peers     indexedPeers
	nfaulty   uint32
	byID      map[uint64]int
}

// New builds a committee from an initial peer set and fault tolerance f.
func New(peers []Peer, nfaulty uint32) *Committee {
	c := &Committee{nfaulty: nfaulty}
	c.peers = append(indexedPeers(nil), peers...)
	sort.Sort(c.peers)
	c.reindex()
	return c
}

func (c *Committee) reindex() {
	c.byID = make(map[uint64]int, len(c.peers))
	for i, p := range c.peers {
		c.byID[p.ID] = i
	}
}

// AddReplica inserts a new committee member. Mirrors the core's
// add_replica entry point from §6, which also seeds the genesis block's
// voted set with the new replica — that part is the core's
// responsibility, not the committee's.
func (c *Committee) AddReplica(p Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[p.ID]; exists {
		return
	}
	c.peers = append(c.peers, p)
	sort.Sort(c.peers)
	c.reindex()
}

// N returns the total replica count.
func (c *Committee) N() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint32(len(c.peers))
}

// NMajority returns n-f, the quorum threshold.
func (c *Committee) NMajority() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint32(len(c.peers)) - c.nfaulty
}

// Members returns the fixed, ordered public-key list the certificate
// layer's QuorumCert bitmaps are indexed against.
func (c *Committee) Members() (*cert.Members, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint64, len(c.peers))
	pubs := make([]kyber.Point, len(c.peers))
	for i, p := range c.peers {
		ids[i] = p.ID
		pubs[i] = p.PubKey
	}
	return cert.NewMembers(ids, pubs)
}

// PubKey looks up a replica's public key.
func (c *Committee) PubKey(id uint64) (kyber.Point, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("committee: unknown replica %d", id)
	}
	return c.peers[idx].PubKey, nil
}

// Proposer returns the replica id designated leader for the given view.
// Round-robin over the sorted id list — the mapping a deployment's
// pacemaker is expected to pin down (the source's own comment flags
// get_proposer() as under-specified; round-robin is the simplest
// deployment-independent choice).
func (c *Committee) Proposer(view uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.peers) == 0 {
		return 0
	}
	return c.peers[int(view%uint64(len(c.peers)))].ID
}

// IDs returns every replica id currently in the committee.
func (c *Committee) IDs() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint64, len(c.peers))
	for i, p := range c.peers {
		out[i] = p.ID
	}
	return out
}
