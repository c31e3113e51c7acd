package types

import "github.com/mastran/synchs-omission/internal/cert"

// EchoOpcode distinguishes what an Echo/Ack attests to; BLOCK is the only
// defined opcode today.
type EchoOpcode byte

const OpcodeBlock EchoOpcode = 0x00

// Proposal carries a new block from its proposer.
type Proposal struct {
	Proposer uint64
	Block    *Block
}

// Vote is one replica's attestation that it voted for a block.
type Vote struct {
	Voter    uint64
	BlkHash  Hash
	PartCert *cert.PartCert
}

// Notify lets a lagging replica catch up to the sender's highest QC.
type Notify struct {
	BlkHash Hash
	QC      *cert.QuorumCert
}

// Blame is a replica's vote to abandon the current view.
type Blame struct {
	Blamer   uint64
	View     uint64
	PartCert *cert.PartCert
}

// BlameNotify announces that nmajority Blames were collected for View and
// carries the sender's highest QC so the new leader can propose correctly.
type BlameNotify struct {
	View    uint64
	HqcHash Hash
	HqcQC   *cert.QuorumCert
	QC      *cert.QuorumCert // the aggregated blame QC
}

// Echo is phase one of reliable block propagation.
type Echo struct {
	RID      uint64
	BlkHash  Hash
	Opcode   EchoOpcode
	PartCert *cert.PartCert
}

// Ack is phase two of reliable block propagation; same layout as Echo.
type Ack struct {
	RID      uint64
	BlkHash  Hash
	Opcode   EchoOpcode
	PartCert *cert.PartCert
}

// PreCommit is the extra quorum phase on commit-interval boundaries.
type PreCommit struct {
	RID      uint64
	BlkHash  Hash
	PartCert *cert.PartCert
}

// Finality is the core's decide output: a commit record for one command.
type Finality struct {
	RID       uint64
	Decision  int8
	CmdIdx    uint32
	CmdHeight uint32
	CmdHash   Hash
	BlkHash   Hash // only meaningful when Decision == 1
}
