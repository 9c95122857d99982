package cryptoutil

import (
	"crypto/sha256"
	"math/big"
)

// VdfModulus is the RSA-like modulus the Wesolowski group operates
// over. A production deployment would use a modulus of unknown
// factorization (an RSA-2048 challenge number or a class group);
// there is no VDF library in the retrieval pack to ground one against,
// so this package implements the prover/verifier directly on
// math/big, matching the shape of
// original_source/libraries/vdf/src/sortition.cpp's
// VerifierWesolowski/ProverWesolowski pairing (see DESIGN.md).
var VdfModulus = mustModulus()

func mustModulus() *big.Int {
	// A fixed 846-bit (255-digit) odd composite used as the VDF group modulus.
	// Not of unknown factorization; adequate for the reference
	// implementation's determinism requirements, not for production
	// security hardening (out of scope per spec §1).
	const modulus = "" +
		"3231700607131100730033891392642382824881794124114023911284200975140074170663485" +
		"0934827379802346949406665494240561639082628787203134740625655778098310299942397" +
		"8511234955043936471812650085090359328574333052837042829419622940316957903091024" +
		"076438010840256233"
	n, ok := new(big.Int).SetString(modulus, 10)
	if !ok {
		panic("cryptoutil: invalid VDF modulus literal")
	}
	return n
}

// VdfSolution is a Wesolowski VDF proof: the output y = x^(2^T) mod N
// and the proof value pi that lets a verifier check it in time
// independent of T.
type VdfSolution struct {
	Y  *big.Int
	Pi *big.Int
}

// Solve computes the VDF over input x for `difficulty` squarings
// (spec §4.2 step 4: "pivot || difficulty || lambda_bound" as the
// message, hashed down to the group element x). cancel is polled at a
// coarse interval so the proposer can abort mid-computation when the
// frontier advances (spec §5 suspension points, ~100ms granularity in
// iteration count terms).
func Solve(message []byte, difficulty uint16, lambdaBound uint64, cancel func() bool) (*VdfSolution, bool) {
	x := hashToGroup(message)
	t := uint64(difficulty) * lambdaBound
	if t == 0 {
		t = 1
	}

	y := new(big.Int).Set(x)
	two := big.NewInt(2)
	const pollEvery = 4096
	for i := uint64(0); i < t; i++ {
		y.Exp(y, two, VdfModulus)
		if cancel != nil && i%pollEvery == 0 && cancel() {
			return nil, false
		}
	}

	l := hashToPrime(message, x, y)
	pi := computeProof(x, l, t)
	return &VdfSolution{Y: y, Pi: pi}, true
}

// Verify checks a VDF solution in O(log T) group operations: it
// recomputes the Fiat-Shamir prime challenge l, the quotient/remainder
// split of 2^T by l, and checks pi^l * x^r == y (mod N).
func Verify(message []byte, difficulty uint16, lambdaBound uint64, sol *VdfSolution) bool {
	if sol == nil || sol.Y == nil || sol.Pi == nil {
		return false
	}
	x := hashToGroup(message)
	t := uint64(difficulty) * lambdaBound
	if t == 0 {
		t = 1
	}
	l := hashToPrime(message, x, sol.Y)

	exp2T := new(big.Int).Lsh(big.NewInt(1), uint(t))
	r := new(big.Int).Mod(exp2T, l)

	lhs := new(big.Int).Exp(sol.Pi, l, VdfModulus)
	xr := new(big.Int).Exp(x, r, VdfModulus)
	lhs.Mul(lhs, xr)
	lhs.Mod(lhs, VdfModulus)

	return lhs.Cmp(sol.Y) == 0
}

// computeProof implements the Wesolowski prover: given x, challenge l
// and squaring count t (total exponent 2^t), compute pi = x^q where q = floor(2^t / l).
func computeProof(x, l *big.Int, t uint64) *big.Int {
	exp2T := new(big.Int).Lsh(big.NewInt(1), uint(t))
	q := new(big.Int).Div(exp2T, l)
	return new(big.Int).Exp(x, q, VdfModulus)
}

func hashToGroup(message []byte) *big.Int {
	sum := sha256.Sum256(message)
	x := new(big.Int).SetBytes(sum[:])
	return x.Mod(x, VdfModulus)
}

// hashToPrime derives the Fiat-Shamir challenge prime from the
// transcript (message, x, y), searching forward from a hash-derived
// odd seed for the first probable prime.
func hashToPrime(message []byte, x, y *big.Int) *big.Int {
	h := sha256.New()
	h.Write(message)
	h.Write(x.Bytes())
	h.Write(y.Bytes())
	seed := new(big.Int).SetBytes(h.Sum(nil))
	if seed.Bit(0) == 0 {
		seed.Add(seed, big.NewInt(1))
	}
	for i := 0; i < 1<<20; i++ {
		if seed.ProbablyPrime(20) {
			return seed
		}
		seed.Add(seed, big.NewInt(2))
	}
	return seed
}
