package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "CoverLedger:genesis:v1"

// StateHasher chains every committed output into a tamper-evident sequence.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first output.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, digest)
	h.prevHash = hash
	return hash
}

// ChainHash is the pure link function, exposed so stored chains can be
// re-verified without a hasher.
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes a chain restored from storage.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
