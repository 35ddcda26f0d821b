package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpAMM:genesis:v1"

// hashChain links every sequenced operation to the one before it:
//
//	tip[N] = SHA-256(tip[N-1] || LE64(N) || market digest || balance digest)
//
// Rejected operations extend it too, over the unchanged state.
type hashChain struct {
	tip [32]byte
}

func newHashChain() *hashChain {
	return &hashChain{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Extend appends sequence to the chain and returns the new tip.
func (h *hashChain) Extend(sequence int64, digests ...[]byte) [32]byte {
	sum := sha256.New()
	sum.Write(h.tip[:])
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))
	sum.Write(seq[:])
	for _, d := range digests {
		sum.Write(d)
	}
	copy(h.tip[:], sum.Sum(nil))
	return h.tip
}

func (h *hashChain) Tip() [32]byte { return h.tip }

// Reset moves the tip to a restored snapshot's hash.
func (h *hashChain) Reset(tip [32]byte) { h.tip = tip }
