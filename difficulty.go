package main

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// diff1Target is 0xffff * 2^208, the difficulty-1 target (compact 0x1d00ffff).
	diff1Target = new(big.Int).Lsh(big.NewInt(0xffff), 208)
	maxU256     = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	diff1Rat = new(big.Rat).SetInt(diff1Target)

	errInvalidDifficulty = errors.New("invalid difficulty")
)

// targetFromDifficulty returns floor(diff1 / d), clamped to 2^256-1. The
// division is exact, so a larger d never yields a larger target.
func targetFromDifficulty(d float64) (*big.Int, error) {
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return nil, fmt.Errorf("%w: %v", errInvalidDifficulty, d)
	}
	q := new(big.Rat).Quo(diff1Rat, new(big.Rat).SetFloat64(d))
	t := new(big.Int).Quo(q.Num(), q.Denom())
	if t.Cmp(maxU256) > 0 {
		t.Set(maxU256)
	}
	return t, nil
}

// difficultyFromTarget is the inverse used for share accounting. A zero
// target maps to +Inf.
func difficultyFromTarget(t *big.Int) float64 {
	if t == nil || t.Sign() <= 0 {
		return math.Inf(1)
	}
	f, _ := new(big.Rat).SetFrac(diff1Target, t).Float64()
	return f
}

// difficultyFromHash reports the difficulty a block hash satisfies.
func difficultyFromHash(h chainhash.Hash) float64 {
	return difficultyFromTarget(blockchain.HashToBig(&h))
}

// networkTargetFromBits expands a header nBits field.
func networkTargetFromBits(nbits uint32) *big.Int {
	return blockchain.CompactToBig(nbits)
}

// meetsNetworkTarget reports whether h would solve a block at nbits.
func meetsNetworkTarget(h chainhash.Hash, nbits uint32) bool {
	target := networkTargetFromBits(nbits)
	return target.Sign() > 0 && blockchain.HashToBig(&h).Cmp(target) <= 0
}

// targetToU256 encodes t as the little-endian U256 used on the V2 wire.
func targetToU256(t *big.Int) [32]byte {
	var out [32]byte
	if t == nil || t.Sign() <= 0 {
		return out
	}
	if t.Cmp(maxU256) > 0 {
		t = maxU256
	}
	be := t.FillBytes(make([]byte, 32))
	for i := range be {
		out[31-i] = be[i]
	}
	return out
}

func u256ToTarget(b [32]byte) *big.Int {
	be := make([]byte, 32)
	for i := range b {
		be[31-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}

// sharesSumForDifficulty is the integer share weight reported back to miners.
func sharesSumForDifficulty(d float64) uint64 {
	if math.IsNaN(d) || d < 1 {
		return 1
	}
	if d >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(math.Floor(d))
}
