// Package cert implements the certificate layer: BLS12-381 partial and
// quorum certificates over domain-separated proof-object hashes, grounded
// on the aggregate-signature wrapper in rem1niscence-canopy's
// lib/crypto/bls.go.
package cert

import (
	"errors"
	"fmt"

	"github.com/drand/kyber"
	bls12381 "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bdn"
	"github.com/drand/kyber/util/random"
)

// ProofType is the domain-separation tag mixed into every signed hash, so a
// signature over a VOTE can never be replayed as a BLAME or PRE_COMMIT.
type ProofType byte

const (
	ProofVote      ProofType = 0x00
	ProofBlame     ProofType = 0x01
	ProofPropagate ProofType = 0x02
	ProofPreCommit ProofType = 0x03
)

// ObjHash hashes a domain tag plus the tagged bytes: [tag ‖ body], hashed
// with blake2b-256. body is whatever canonical encoding the caller wants
// certified (a 32-byte block hash, a big-endian view number, etc).
func ObjHash(t ProofType, body []byte) [32]byte {
	return blake2bDomain(t, body)
}

func newSuite() pairing.Suite { return bls12381.NewBLS12381Suite() }
func newScheme() *bdn.Scheme  { return bdn.NewSchemeOnG2(newSuite()) }

// PrivateKey signs partial certificates on behalf of one replica.
type PrivateKey struct {
	scalar kyber.Scalar
	scheme *bdn.Scheme
}

// NewPrivateKey wraps a raw kyber scalar (typically loaded from config or
// generated once at replica bootstrap).
func NewPrivateKey(s kyber.Scalar) *PrivateKey {
	return &PrivateKey{scalar: s, scheme: newScheme()}
}

// GeneratePrivateKey draws a fresh random keypair, for bootstrapping a demo
// deployment that has no persisted key material yet.
func GeneratePrivateKey() *PrivateKey {
	scalar, _ := newScheme().NewKeyPair(random.New())
	return NewPrivateKey(scalar)
}

// Public derives the matching public key.
func (k *PrivateKey) Public() kyber.Point {
	suite := newSuite()
	return suite.G1().Point().Mul(k.scalar, suite.G1().Point().Base())
}

// Sign produces a raw BLS signature share over msg.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	return k.scheme.Sign(k.scalar, msg)
}

// PartCert is a single signer's attestation over a domain-separated hash:
// "signer authorized obj_hash".
type PartCert struct {
	Signer  uint64
	Hash    [32]byte
	Sig     []byte
}

// Verify checks the signature share against the signer's public key and
// the claimed hash.
func (pc *PartCert) Verify(pub kyber.Point) bool {
	return newScheme().Verify(pub, pc.Hash[:], pc.Sig) == nil
}

// CreatePartCert signs obj_hash on behalf of priv, producing the
// replica's vote/blame/echo/ack/pre-commit attestation.
func CreatePartCert(signer uint64, objHash [32]byte, priv *PrivateKey) (*PartCert, error) {
	sig, err := priv.Sign(objHash[:])
	if err != nil {
		return nil, fmt.Errorf("cert: sign: %w", err)
	}
	return &PartCert{Signer: signer, Hash: objHash, Sig: sig}, nil
}

// Members is the fixed, ordered public-key list a QuorumCert's bitmap is
// indexed against — the committee's replica order.
type Members struct {
	ids  []uint64
	pubs []kyber.Point
	idx  map[uint64]int
}

// NewMembers builds a fixed ordering from replica id -> public key.
func NewMembers(ids []uint64, pubs []kyber.Point) (*Members, error) {
	if len(ids) != len(pubs) {
		return nil, errors.New("cert: ids/pubs length mismatch")
	}
	idx := make(map[uint64]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}
	return &Members{ids: ids, pubs: pubs, idx: idx}, nil
}

func (m *Members) indexOf(id uint64) (int, bool) {
	i, ok := m.idx[id]
	return i, ok
}

// QuorumCert accumulates partial certificates over a single obj_hash and
// aggregates them into one BLS group signature plus a signer bitmap, once
// nmajority shares are present.
type QuorumCert struct {
	members *Members
	hash    [32]byte
	sigs    map[uint64][]byte
	agg     []byte // set once Compute succeeds
	mask    *sign.Mask
}

// NewQuorumCert starts an empty accumulator for the given obj_hash.
func NewQuorumCert(members *Members, objHash [32]byte) (*QuorumCert, error) {
	mask, err := sign.NewMask(newSuite(), members.pubs, nil)
	if err != nil {
		return nil, fmt.Errorf("cert: new mask: %w", err)
	}
	return &QuorumCert{
		members: members,
		hash:    objHash,
		sigs:    make(map[uint64][]byte),
		mask:    mask,
	}, nil
}

// ObjHash returns the hash this certificate is over.
func (qc *QuorumCert) ObjHash() [32]byte { return qc.hash }

// Signers returns the distinct replica ids that have contributed so far.
func (qc *QuorumCert) Signers() []uint64 {
	out := make([]uint64, 0, len(qc.sigs))
	for id := range qc.sigs {
		out = append(out, id)
	}
	return out
}

// Len is the number of distinct signers accumulated so far.
func (qc *QuorumCert) Len() int { return len(qc.sigs) }

// AddPart folds in one partial certificate. A part cert whose obj_hash
// doesn't match, or whose signer is not a member, is rejected with an
// error; a duplicate signer is ignored and nil is returned.
func (qc *QuorumCert) AddPart(pc *PartCert) error {
	if pc.Hash != qc.hash {
		return errors.New("cert: part cert hash mismatch")
	}
	if _, exists := qc.sigs[pc.Signer]; exists {
		return nil // duplicate, silently absorbed
	}
	idx, ok := qc.members.indexOf(pc.Signer)
	if !ok {
		return fmt.Errorf("cert: unknown signer %d", pc.Signer)
	}
	if err := qc.mask.SetBit(idx, true); err != nil {
		return fmt.Errorf("cert: set bit: %w", err)
	}
	qc.sigs[pc.Signer] = pc.Sig
	return nil
}

// Compute finalizes the certificate by aggregating every accumulated
// signature share into one BLS group signature. Safe to call once quorum
// is reached; the result is cached so a later Verify doesn't re-aggregate.
func (qc *QuorumCert) Compute() error {
	ordered := make([][]byte, 0, len(qc.sigs))
	for _, id := range qc.members.ids {
		if sig, ok := qc.sigs[id]; ok {
			ordered = append(ordered, sig)
		}
	}
	agg, err := newScheme().AggregateSignatures(ordered, qc.mask)
	if err != nil {
		return fmt.Errorf("cert: aggregate: %w", err)
	}
	bz, err := agg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("cert: marshal aggregate: %w", err)
	}
	qc.agg = bz
	return nil
}

// Verify checks the aggregated signature against the aggregated public
// key restricted to the signer bitmap — one pairing check, not n.
func (qc *QuorumCert) Verify() (bool, error) {
	if qc.agg == nil {
		return false, errors.New("cert: Compute not called")
	}
	scheme := newScheme()
	aggPub, err := scheme.AggregatePublicKeys(qc.mask)
	if err != nil {
		return false, fmt.Errorf("cert: aggregate pub: %w", err)
	}
	return scheme.Verify(aggPub, qc.hash[:], qc.agg) == nil, nil
}

// Bytes returns the wire encoding of the aggregated signature plus bitmap.
// sig is nil if Compute hasn't run yet; the bitmap is always returned.
func (qc *QuorumCert) Bytes() (sig []byte, bitmap []byte) {
	return qc.agg, qc.mask.Mask()
}

// FromWire reconstructs an already-aggregated QuorumCert from its wire
// representation (obj_hash, aggregated signature, signer bitmap), for a
// QC received over the network rather than built locally via AddPart.
func FromWire(members *Members, objHash [32]byte, sig []byte, bitmap []byte) (*QuorumCert, error) {
	mask, err := sign.NewMask(newSuite(), members.pubs, nil)
	if err != nil {
		return nil, fmt.Errorf("cert: new mask: %w", err)
	}
	if err := mask.SetMask(bitmap); err != nil {
		return nil, fmt.Errorf("cert: set mask: %w", err)
	}
	maskBytes := mask.Mask()
	sigs := make(map[uint64][]byte)
	for i, id := range members.ids {
		byteIndex := i / 8
		bit := byte(1) << uint(i&7)
		if byteIndex < len(maskBytes) && maskBytes[byteIndex]&bit != 0 {
			sigs[id] = nil // individual shares are not recoverable post-aggregation
		}
	}
	return &QuorumCert{members: members, hash: objHash, sigs: sigs, mask: mask, agg: sig}, nil
}
