package core

import (
	"github.com/mastran/synchs-omission/internal/cert"
	"github.com/mastran/synchs-omission/internal/verifypool"
)

// verifyPartCert checks a single-signer certificate against the claimed
// signer's committee public key. Cheap enough (one BLS verification) to run
// synchronously inline with the receive handler.
func (c *Core) verifyPartCert(signer uint64, pc *cert.PartCert) error {
	pub, err := c.committee.PubKey(signer)
	if err != nil {
		return ErrUnknownReplica
	}
	if !pc.Verify(pub) {
		return ErrVerifyFailed
	}
	return nil
}

// verifyQCAsync submits an already-aggregated quorum certificate's one
// pairing-check verification to the bounded verification pool, invoking
// onOK back on the core's lock once it resolves. Used for the QCs a
// replica did not build itself (an embedded qc_ref QC, a BlameNotify's
// hqc_qc/blame qc), where deferring the check off the hot path matters
// more than for a single partial certificate.
func (c *Core) verifyQCAsync(qc *cert.QuorumCert, onOK func()) {
	c.vpool.Submit(func() (bool, error) { return qc.Verify() }).Then(func(res verifypool.Result) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if res.Err != nil || !res.OK {
			c.log.Warnf("qc verification failed: %v", res.Err)
			return
		}
		onOK()
	})
}
