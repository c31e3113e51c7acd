package cert

import "golang.org/x/crypto/blake2b"

// blake2bDomain computes blake2b-256([tag] ‖ body).
func blake2bDomain(t ProofType, body []byte) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("cert: blake2b256 unavailable: " + err.Error())
	}
	h.Write([]byte{byte(t)})
	h.Write(body)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
