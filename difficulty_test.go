package main

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TestTargetFromDifficulty_RoundTrip checks that targetFromDifficulty and
// difficultyFromTarget invert each other closely for a range of values.
func TestTargetFromDifficulty_RoundTrip(t *testing.T) {
	diffs := []float64{0.5, 1, 2, 10, 1000, 1e6, 123456.789}
	for _, diff := range diffs {
		target, err := targetFromDifficulty(diff)
		if err != nil {
			t.Fatalf("targetFromDifficulty(%v): %v", diff, err)
		}
		if target.Sign() <= 0 {
			t.Fatalf("targetFromDifficulty(%v) returned non-positive target", diff)
		}
		round := difficultyFromTarget(target)
		if math.Abs(round-diff)/diff > 1e-9 {
			t.Fatalf("round-trip difficulty mismatch: start=%v got=%v", diff, round)
		}
	}
}

// TestTargetFromDifficulty_Monotonicity ensures that higher difficulty values
// never yield higher targets.
func TestTargetFromDifficulty_Monotonicity(t *testing.T) {
	diffs := []float64{1e-9, 0.001, 0.5, 1, 1.0000001, 2, 3, 1024, 65536, 1e12, 1e15}
	var prev *big.Int
	for _, d := range diffs {
		target, err := targetFromDifficulty(d)
		if err != nil {
			t.Fatalf("targetFromDifficulty(%v): %v", d, err)
		}
		if prev != nil && target.Cmp(prev) > 0 {
			t.Fatalf("target(diff=%v)=%x > previous %x", d, target, prev)
		}
		prev = target
	}
}

func TestTargetFromDifficulty_ExactValues(t *testing.T) {
	one, err := targetFromDifficulty(1)
	if err != nil {
		t.Fatalf("targetFromDifficulty(1): %v", err)
	}
	if one.Cmp(diff1Target) != 0 {
		t.Fatalf("target(1)=%x want %x", one, diff1Target)
	}
	three, _ := targetFromDifficulty(3)
	want := new(big.Int).Quo(diff1Target, big.NewInt(3))
	if three.Cmp(want) != 0 {
		t.Fatalf("target(3)=%x want floor %x", three, want)
	}
	tiny, _ := targetFromDifficulty(1e-30)
	if tiny.Cmp(maxU256) != 0 {
		t.Fatalf("tiny difficulty should clamp to 2^256-1, got %x", tiny)
	}
}

func TestTargetFromDifficulty_RejectsInvalid(t *testing.T) {
	for _, d := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := targetFromDifficulty(d); !errors.Is(err, errInvalidDifficulty) {
			t.Fatalf("targetFromDifficulty(%v) err=%v want errInvalidDifficulty", d, err)
		}
	}
}

// TestDiff1TargetMatchesCompact ensures diff1Target matches the expected
// compact representation used by Bitcoin (0x1d00ffff).
func TestDiff1TargetMatchesCompact(t *testing.T) {
	if diff1Target.Cmp(networkTargetFromBits(0x1d00ffff)) != 0 {
		t.Fatalf("diff1Target mismatch: got %x", diff1Target)
	}
}

func TestTargetU256LittleEndian(t *testing.T) {
	target, _ := targetFromDifficulty(1)
	b := targetToU256(target)
	// 0x00000000ffff0000...: the 0xffff sits at big-endian bytes 4..5, which
	// are little-endian bytes 26..27.
	if b[27] != 0xff || b[26] != 0xff || b[28] != 0 || b[25] != 0 {
		t.Fatalf("u256 layout=%x", b)
	}
	if u256ToTarget(b).Cmp(target) != 0 {
		t.Fatalf("u256 roundtrip mismatch")
	}
	if targetToU256(nil) != ([32]byte{}) {
		t.Fatalf("nil target should encode as zero")
	}
}

func TestDifficultyFromHash(t *testing.T) {
	var h chainhash.Hash
	// Little-endian internal order: the most significant bytes live at the end.
	h[26], h[27] = 0xff, 0xff
	if d := difficultyFromHash(h); math.Abs(d-1) > 1e-12 {
		t.Fatalf("difficultyFromHash=%v want 1", d)
	}
	if d := difficultyFromHash(chainhash.Hash{}); !math.IsInf(d, 1) {
		t.Fatalf("zero hash difficulty=%v want +Inf", d)
	}
}

func TestMeetsNetworkTarget(t *testing.T) {
	var h chainhash.Hash
	h[26], h[27] = 0xff, 0xff
	if !meetsNetworkTarget(h, 0x1d00ffff) {
		t.Fatalf("hash equal to the target must qualify")
	}
	h[28] = 1
	if meetsNetworkTarget(h, 0x1d00ffff) {
		t.Fatalf("hash above the target qualified")
	}
	if meetsNetworkTarget(chainhash.Hash{}, 0) {
		t.Fatalf("zero nbits qualified")
	}
}

func TestSharesSumForDifficulty(t *testing.T) {
	cases := map[float64]uint64{0.25: 1, 1: 1, 2.9: 2, 1024: 1024}
	for d, want := range cases {
		if got := sharesSumForDifficulty(d); got != want {
			t.Fatalf("sharesSumForDifficulty(%v)=%d want %d", d, got, want)
		}
	}
}
