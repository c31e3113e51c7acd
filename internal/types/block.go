// Package types defines the wire and in-memory data model: blocks, the
// consensus messages, and the domain-separated proof-object hashes
// they are certified over.
package types

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/mastran/synchs-omission/internal/cert"
)

// Hash identifies a block or message by its content hash.
type Hash [32]byte

// Hex renders the hash for use as a map/timer key or log field.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Decision is the commit state of a block.
type Decision uint8

const (
	Undecided Decision = iota
	Committed
)

// Block is a node in the content-addressed DAG.
type Block struct {
	Hash Hash

	// Parents is the ordered parent list; Parents[0] is the primary
	// parent the height/commit-chain walk follows, the rest are uncles.
	// Non-empty for every non-genesis block.
	Parents []Hash
	Height  uint64

	// Cmds is an ordered sequence of opaque command digests.
	Cmds [][]byte

	// QCRef, when set, is the block this block's embedded QC certifies.
	// Present only on proposals at commit-interval heights where a new
	// QC became available since the last embedding.
	QCRef *Hash
	QC    *cert.QuorumCert

	// SelfQC accumulates partial certs for a vote on *this* block until
	// quorum, at which point Compute() finalizes it.
	SelfQC *cert.QuorumCert

	Voted        map[uint64]bool
	PreCommitted map[uint64]bool

	Decision  Decision
	Delivered bool

	Extra []byte
}

// NewBlock constructs an undelivered block with empty vote/pre-commit sets.
func NewBlock(parents []Hash, height uint64, cmds [][]byte, qcRef *Hash, qc *cert.QuorumCert, extra []byte) *Block {
	b := &Block{
		Parents:      parents,
		Height:       height,
		Cmds:         cmds,
		QCRef:        qcRef,
		QC:           qc,
		Voted:        make(map[uint64]bool),
		PreCommitted: make(map[uint64]bool),
		Extra:        extra,
	}
	b.Hash = HashBlock(b)
	return b
}

// PrimaryParent returns Parents[0], or the zero hash if this is genesis.
func (b *Block) PrimaryParent() (Hash, bool) {
	if len(b.Parents) == 0 {
		return Hash{}, false
	}
	return b.Parents[0], true
}

// HashBlock computes a block's content hash over its height, every
// parent, command digests, qc_ref and extra — the fields that make two
// proposals at the same height distinguishable.
func HashBlock(b *Block) Hash {
	buf := make([]byte, 0, 8+32*len(b.Parents)+len(b.Extra))
	var hbuf [8]byte
	binary.BigEndian.PutUint64(hbuf[:], b.Height)
	buf = append(buf, hbuf[:]...)
	for _, p := range b.Parents {
		buf = append(buf, p[:]...)
	}
	for _, c := range b.Cmds {
		buf = append(buf, c...)
	}
	if b.QCRef != nil {
		buf = append(buf, b.QCRef[:]...)
	}
	buf = append(buf, b.Extra...)
	h := cert.ObjHash(cert.ProofType(0xff), buf) // 0xff: not a signed proof domain, just content addressing
	return Hash(h)
}

// CmdHash hashes a single opaque command digest for inclusion in a
// Finality record.
func CmdHash(cmd []byte) Hash {
	return Hash(cert.ObjHash(cert.ProofType(0xfe), cmd))
}

// VoteObjHash is the domain-separated hash a Vote's partial cert signs.
func VoteObjHash(blkHash Hash) [32]byte {
	return cert.ObjHash(cert.ProofVote, blkHash[:])
}

// BlameObjHash is the domain-separated hash a Blame's partial cert signs.
func BlameObjHash(view uint64) [32]byte {
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], uint32(view))
	return cert.ObjHash(cert.ProofBlame, vb[:])
}

// PropagateObjHash is the domain-separated hash an Echo/Ack partial cert
// signs.
func PropagateObjHash(msgHash Hash) [32]byte {
	return cert.ObjHash(cert.ProofPropagate, msgHash[:])
}

// PreCommitObjHash is the domain-separated hash a PreCommit partial cert
// signs.
func PreCommitObjHash(blkHash Hash) [32]byte {
	return cert.ObjHash(cert.ProofPreCommit, blkHash[:])
}
