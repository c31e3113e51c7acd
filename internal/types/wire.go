// Wire codec: manual encoding/binary framing per the fixed field widths
// (ReplicaID/view/height = u32, hashes = 32 bytes). No protobuf/gogo
// codegen runs in this environment, so unlike the teacher's pb-go
// messages these are hand-rolled — see DESIGN.md for the justification.
package types

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mastran/synchs-omission/internal/cert"
)

func putU32(buf *bytes.Buffer, v uint64) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint64, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return uint64(binary.BigEndian.Uint32(b[:])), nil
}

func putHash(buf *bytes.Buffer, h Hash) { buf.Write(h[:]) }

func readHash(r *bytes.Reader) (Hash, error) {
	var h Hash
	if _, err := r.Read(h[:]); err != nil {
		return h, err
	}
	return h, nil
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func putPartCert(buf *bytes.Buffer, pc *cert.PartCert) {
	putU32(buf, pc.Signer)
	putHash(buf, Hash(pc.Hash))
	putBytes(buf, pc.Sig)
}

func readPartCert(r *bytes.Reader) (*cert.PartCert, error) {
	signer, err := readU32(r)
	if err != nil {
		return nil, err
	}
	h, err := readHash(r)
	if err != nil {
		return nil, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &cert.PartCert{Signer: signer, Hash: [32]byte(h), Sig: sig}, nil
}

func putQC(buf *bytes.Buffer, qc *cert.QuorumCert) {
	if qc == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	putHash(buf, Hash(qc.ObjHash()))
	sig, bitmap := qc.Bytes()
	putBytes(buf, sig)
	putBytes(buf, bitmap)
}

// readQC decodes a QC from the wire; members resolves the bitmap back
// into a verifiable aggregate public key.
func readQC(r *bytes.Reader, members *cert.Members) (*cert.QuorumCert, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	h, err := readHash(r)
	if err != nil {
		return nil, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	bitmap, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return cert.FromWire(members, [32]byte(h), sig, bitmap)
}

// EncodeVote serializes a Vote = {voter, blk_hash, part_cert}.
func EncodeVote(v *Vote) []byte {
	var buf bytes.Buffer
	putU32(&buf, v.Voter)
	putHash(&buf, v.BlkHash)
	putPartCert(&buf, v.PartCert)
	return buf.Bytes()
}

// DecodeVote parses bytes produced by EncodeVote.
func DecodeVote(b []byte) (*Vote, error) {
	r := bytes.NewReader(b)
	voter, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: vote voter: %w", err)
	}
	h, err := readHash(r)
	if err != nil {
		return nil, fmt.Errorf("wire: vote hash: %w", err)
	}
	pc, err := readPartCert(r)
	if err != nil {
		return nil, fmt.Errorf("wire: vote cert: %w", err)
	}
	return &Vote{Voter: voter, BlkHash: h, PartCert: pc}, nil
}

// EncodeBlame serializes a Blame = {blamer, view, part_cert}.
func EncodeBlame(b *Blame) []byte {
	var buf bytes.Buffer
	putU32(&buf, b.Blamer)
	putU32(&buf, b.View)
	putPartCert(&buf, b.PartCert)
	return buf.Bytes()
}

// DecodeBlame parses bytes produced by EncodeBlame.
func DecodeBlame(b []byte) (*Blame, error) {
	r := bytes.NewReader(b)
	blamer, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: blame blamer: %w", err)
	}
	view, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: blame view: %w", err)
	}
	pc, err := readPartCert(r)
	if err != nil {
		return nil, fmt.Errorf("wire: blame cert: %w", err)
	}
	return &Blame{Blamer: blamer, View: view, PartCert: pc}, nil
}

// EncodeEcho serializes an Echo = {rid, blk_hash, opcode, part_cert}.
func EncodeEcho(e *Echo) []byte {
	var buf bytes.Buffer
	putU32(&buf, e.RID)
	putHash(&buf, e.BlkHash)
	buf.WriteByte(byte(e.Opcode))
	putPartCert(&buf, e.PartCert)
	return buf.Bytes()
}

// DecodeEcho parses bytes produced by EncodeEcho.
func DecodeEcho(b []byte) (*Echo, error) {
	r := bytes.NewReader(b)
	rid, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: echo rid: %w", err)
	}
	h, err := readHash(r)
	if err != nil {
		return nil, fmt.Errorf("wire: echo hash: %w", err)
	}
	opc, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: echo opcode: %w", err)
	}
	pc, err := readPartCert(r)
	if err != nil {
		return nil, fmt.Errorf("wire: echo cert: %w", err)
	}
	return &Echo{RID: rid, BlkHash: h, Opcode: EchoOpcode(opc), PartCert: pc}, nil
}

// EncodeAck serializes an Ack (identical layout to Echo).
func EncodeAck(a *Ack) []byte {
	return EncodeEcho((*Echo)(a))
}

// DecodeAck parses bytes produced by EncodeAck.
func DecodeAck(b []byte) (*Ack, error) {
	e, err := DecodeEcho(b)
	if err != nil {
		return nil, err
	}
	return (*Ack)(e), nil
}

// EncodePreCommit serializes a PreCommit = {rid, blk_hash, part_cert}.
func EncodePreCommit(p *PreCommit) []byte {
	var buf bytes.Buffer
	putU32(&buf, p.RID)
	putHash(&buf, p.BlkHash)
	putPartCert(&buf, p.PartCert)
	return buf.Bytes()
}

// DecodePreCommit parses bytes produced by EncodePreCommit.
func DecodePreCommit(b []byte) (*PreCommit, error) {
	r := bytes.NewReader(b)
	rid, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: precommit rid: %w", err)
	}
	h, err := readHash(r)
	if err != nil {
		return nil, fmt.Errorf("wire: precommit hash: %w", err)
	}
	pc, err := readPartCert(r)
	if err != nil {
		return nil, fmt.Errorf("wire: precommit cert: %w", err)
	}
	return &PreCommit{RID: rid, BlkHash: h, PartCert: pc}, nil
}

// EncodeFinality serializes a Finality record; blk_hash is only present
// when Decision == 1.
func EncodeFinality(f *Finality) []byte {
	var buf bytes.Buffer
	putU32(&buf, f.RID)
	buf.WriteByte(byte(f.Decision))
	putU32(&buf, uint64(f.CmdIdx))
	putU32(&buf, uint64(f.CmdHeight))
	putHash(&buf, f.CmdHash)
	if f.Decision == 1 {
		putHash(&buf, f.BlkHash)
	}
	return buf.Bytes()
}

// DecodeFinality parses bytes produced by EncodeFinality.
func DecodeFinality(b []byte) (*Finality, error) {
	r := bytes.NewReader(b)
	rid, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: finality rid: %w", err)
	}
	dec, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: finality decision: %w", err)
	}
	idx, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: finality cmd_idx: %w", err)
	}
	height, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: finality cmd_height: %w", err)
	}
	cmdHash, err := readHash(r)
	if err != nil {
		return nil, fmt.Errorf("wire: finality cmd_hash: %w", err)
	}
	f := &Finality{RID: rid, Decision: int8(dec), CmdIdx: uint32(idx), CmdHeight: uint32(height), CmdHash: cmdHash}
	if f.Decision == 1 {
		blkHash, err := readHash(r)
		if err != nil {
			return nil, fmt.Errorf("wire: finality blk_hash: %w", err)
		}
		f.BlkHash = blkHash
	}
	return f, nil
}

// EncodeNotify serializes a Notify = {blk_hash, qc}.
func EncodeNotify(n *Notify) []byte {
	var buf bytes.Buffer
	putHash(&buf, n.BlkHash)
	putQC(&buf, n.QC)
	return buf.Bytes()
}

// DecodeNotify parses bytes produced by EncodeNotify.
func DecodeNotify(b []byte, members *cert.Members) (*Notify, error) {
	r := bytes.NewReader(b)
	h, err := readHash(r)
	if err != nil {
		return nil, fmt.Errorf("wire: notify hash: %w", err)
	}
	qc, err := readQC(r, members)
	if err != nil {
		return nil, fmt.Errorf("wire: notify qc: %w", err)
	}
	return &Notify{BlkHash: h, QC: qc}, nil
}

// EncodeBlameNotify serializes a BlameNotify = {view, hqc_hash, hqc_qc, qc}.
func EncodeBlameNotify(bn *BlameNotify) []byte {
	var buf bytes.Buffer
	putU32(&buf, bn.View)
	putHash(&buf, bn.HqcHash)
	putQC(&buf, bn.HqcQC)
	putQC(&buf, bn.QC)
	return buf.Bytes()
}

// DecodeBlameNotify parses bytes produced by EncodeBlameNotify.
func DecodeBlameNotify(b []byte, members *cert.Members) (*BlameNotify, error) {
	r := bytes.NewReader(b)
	view, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: blamenotify view: %w", err)
	}
	hqcHash, err := readHash(r)
	if err != nil {
		return nil, fmt.Errorf("wire: blamenotify hqc_hash: %w", err)
	}
	hqcQC, err := readQC(r, members)
	if err != nil {
		return nil, fmt.Errorf("wire: blamenotify hqc_qc: %w", err)
	}
	qc, err := readQC(r, members)
	if err != nil {
		return nil, fmt.Errorf("wire: blamenotify qc: %w", err)
	}
	return &BlameNotify{View: view, HqcHash: hqcHash, HqcQC: hqcQC, QC: qc}, nil
}

// EncodeProposal serializes a Proposal = {proposer, block}, written in the
// order proposer, height, parent_hashes[], cmds[], qc_ref_hash?, qc, extra.
// Height is written second, not last.
func EncodeProposal(p *Proposal) []byte {
	var buf bytes.Buffer
	putU32(&buf, p.Proposer)
	putU32(&buf, p.Block.Height)
	putU32(&buf, uint64(len(p.Block.Parents)))
	for _, parent := range p.Block.Parents {
		putHash(&buf, parent)
	}
	putU32(&buf, uint64(len(p.Block.Cmds)))
	for _, c := range p.Block.Cmds {
		putBytes(&buf, c)
	}
	if p.Block.QCRef != nil {
		buf.WriteByte(1)
		putHash(&buf, *p.Block.QCRef)
	} else {
		buf.WriteByte(0)
	}
	putQC(&buf, p.Block.QC)
	putBytes(&buf, p.Block.Extra)
	return buf.Bytes()
}

// DecodeProposal parses bytes produced by EncodeProposal. The returned
// block's Hash is recomputed locally, never trusted from the wire.
func DecodeProposal(b []byte, members *cert.Members) (*Proposal, error) {
	r := bytes.NewReader(b)
	proposer, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: proposal proposer: %w", err)
	}
	height, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: proposal height: %w", err)
	}
	nParents, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: proposal nparents: %w", err)
	}
	parents := make([]Hash, 0, nParents)
	for i := uint64(0); i < nParents; i++ {
		h, err := readHash(r)
		if err != nil {
			return nil, fmt.Errorf("wire: proposal parent: %w", err)
		}
		parents = append(parents, h)
	}
	nCmds, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("wire: proposal ncmds: %w", err)
	}
	cmds := make([][]byte, 0, nCmds)
	for i := uint64(0); i < nCmds; i++ {
		c, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("wire: proposal cmd: %w", err)
		}
		cmds = append(cmds, c)
	}
	hasRef, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: proposal qc_ref flag: %w", err)
	}
	var qcRef *Hash
	if hasRef == 1 {
		h, err := readHash(r)
		if err != nil {
			return nil, fmt.Errorf("wire: proposal qc_ref: %w", err)
		}
		qcRef = &h
	}
	qc, err := readQC(r, members)
	if err != nil {
		return nil, fmt.Errorf("wire: proposal qc: %w", err)
	}
	extra, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("wire: proposal extra: %w", err)
	}
	blk := NewBlock(parents, height, cmds, qcRef, qc, extra)
	return &Proposal{Proposer: proposer, Block: blk}, nil
}
