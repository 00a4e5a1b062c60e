package field

import "fmt"

// Proof is a Groth16 proof in the byte layout the on-chain verifier expects:
// A is a G1 point (x‖y), B a G2 point (x.c1‖x.c0‖y.c1‖y.c0), C a G1 point,
// each coordinate 32 bytes big-endian.
type Proof struct {
	A [64]byte
	B [128]byte
	C [64]byte
}

// ParseProof copies raw proof parts into a Proof after checking their lengths.
func ParseProof(a, b, c []byte) (Proof, error) {
	var p Proof
	if len(a) != len(p.A) {
		return Proof{}, fmt.Errorf("%w: proof a len %d", ErrInvalid, len(a))
	}
	if len(b) != len(p.B) {
		return Proof{}, fmt.Errorf("%w: proof b len %d", ErrInvalid, len(b))
	}
	if len(c) != len(p.C) {
		return Proof{}, fmt.Errorf("%w: proof c len %d", ErrInvalid, len(c))
	}
	copy(p.A[:], a)
	copy(p.B[:], b)
	copy(p.C[:], c)
	return p, nil
}

// IsZero reports whether every proof byte is zero.
func (p Proof) IsZero() bool {
	return p == Proof{}
}

// Bytes returns A‖B‖C.
func (p Proof) Bytes() []byte {
	out := make([]byte, 0, len(p.A)+len(p.B)+len(p.C))
	out = append(out, p.A[:]...)
	out = append(out, p.B[:]...)
	out = append(out, p.C[:]...)
	return out
}
