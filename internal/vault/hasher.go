package vault

import (
	"crypto/sha256"
	"encoding/binary"

	"StakeVault/internal/ledger"
)

const genesisHashSeed = "StakeVault:genesis:v1"

// StateHasher chains deterministic digests of the share ledger so every
// operation record carries state_hash[N] = SHA-256(prev_hash || sequence ||
// ledger_digest).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(genesisHashSeed))}
}

// ComputeHash advances the chain with the digest for one operation.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// LedgerDigest builds the canonical bytes for the share ledger: total
// supply, then every holder and balance in address order.
func LedgerDigest(sl *ledger.ShareLedger) []byte {
	supply := sl.TotalShares().Bytes()
	digest := make([]byte, 0, 64)
	digest = append(digest, byte(len(supply)))
	digest = append(digest, supply...)

	for _, holder := range sl.Holders() {
		digest = append(digest, holder.Bytes()...)
		bal := sl.BalanceOf(holder).Bytes()
		digest = append(digest, byte(len(bal)))
		digest = append(digest, bal...)
	}
	return digest
}
