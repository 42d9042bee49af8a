package main

import (
	stdsha "crypto/sha256"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	simdsha "github.com/minio/sha256-simd"
)

type sha256SumFunc func([]byte) [32]byte

var sha256Sum sha256SumFunc = stdsha.Sum256

func setSha256Implementation(useSimd bool) {
	if useSimd {
		sha256Sum = simdsha.Sum256
		return
	}
	sha256Sum = stdsha.Sum256
}

// doubleSHA256 hashes b twice. The result is in internal byte order, so
// String() prints it the way block explorers do.
func doubleSHA256(b []byte) chainhash.Hash {
	first := sha256Sum(b)
	return chainhash.Hash(sha256Sum(first[:]))
}

// coinbaseMerkleRoot assembles the coinbase from its V1 parts and folds the
// branch hashes onto its txid.
func coinbaseMerkleRoot(coinb1, extranonce1, extranonce2, coinb2 []byte, branch [][32]byte) chainhash.Hash {
	coinbase := make([]byte, 0, len(coinb1)+len(extranonce1)+len(extranonce2)+len(coinb2))
	coinbase = append(coinbase, coinb1...)
	coinbase = append(coinbase, extranonce1...)
	coinbase = append(coinbase, extranonce2...)
	coinbase = append(coinbase, coinb2...)
	root := doubleSHA256(coinbase)
	var pair [64]byte
	for _, h := range branch {
		copy(pair[:32], root[:])
		copy(pair[32:], h[:])
		root = doubleSHA256(pair[:])
	}
	return root
}
