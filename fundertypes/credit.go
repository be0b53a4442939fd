package fundertypes

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// credit128Bytes is the wire width of a u128/i128 value per the
// signature buffer contract (u128_be / i128_be framing).
const credit128Bytes = 16

var (
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxI127 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI127 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// Credit is an unsigned 128-bit credit amount (u128 in the spec).
type Credit struct{ v big.Int }

// NewCredit builds a Credit from a non-negative uint64, the common case for
// tests and callers constructing literal amounts.
func NewCredit(n uint64) Credit {
	var c Credit
	c.v.SetUint64(n)
	return c
}

// CreditFromBigInt validates and wraps an arbitrary non-negative big.Int.
func CreditFromBigInt(n *big.Int) (Credit, error) {
	if n.Sign() < 0 {
		return Credit{}, fmt.Errorf("credit must be non-negative, got %s", n)
	}
	if n.Cmp(maxU128) > 0 {
		return Credit{}, fmt.Errorf("credit %s overflows u128", n)
	}
	var c Credit
	c.v.Set(n)
	return c, nil
}

// BigInt returns a defensive copy of the underlying value.
func (c Credit) BigInt() *big.Int { return new(big.Int).Set(&c.v) }

// Add returns c+other, erroring on u128 overflow.
func (c Credit) Add(other Credit) (Credit, error) {
	sum := new(big.Int).Add(&c.v, &other.v)
	return CreditFromBigInt(sum)
}

// Sub returns c-other, erroring if the result would be negative.
func (c Credit) Sub(other Credit) (Credit, error) {
	diff := new(big.Int).Sub(&c.v, &other.v)
	return CreditFromBigInt(diff)
}

// Cmp compares two credits the way big.Int.Cmp does.
func (c Credit) Cmp(other Credit) int { return c.v.Cmp(&other.v) }

// IsZero reports whether the credit amount is exactly zero.
func (c Credit) IsZero() bool { return c.v.Sign() == 0 }

// Signed converts an unsigned credit to a signed one, always safe since
// u128 max is representable in i129 range and our SignedCredit carries a
// wider internal representation.
func (c Credit) Signed() SignedCredit {
	var s SignedCredit
	s.v.Set(&c.v)
	return s
}

// MarshalBinary encodes the credit as 16 big-endian bytes.
func (c Credit) MarshalBinary() ([]byte, error) {
	return marshalFixed(&c.v, credit128Bytes)
}

// UnmarshalBinary decodes 16 big-endian bytes into the credit.
func (c *Credit) UnmarshalBinary(data []byte) error {
	if len(data) != credit128Bytes {
		return fmt.Errorf("credit: expected %d bytes, got %d", credit128Bytes, len(data))
	}
	c.v.SetBytes(data)
	return nil
}

func (c Credit) String() string { return c.v.String() }

// SignedCredit is a signed 128-bit credit amount (i128 in the spec),
// positive meaning the remote side owes the local side.
type SignedCredit struct{ v big.Int }

// NewSignedCredit builds a SignedCredit from an int64 literal.
func NewSignedCredit(n int64) SignedCredit {
	var s SignedCredit
	s.v.SetInt64(n)
	return s
}

// SignedCreditFromBigInt validates and wraps an arbitrary big.Int within
// the i128 range.
func SignedCreditFromBigInt(n *big.Int) (SignedCredit, error) {
	if n.Cmp(minI127) < 0 || n.Cmp(maxI127) > 0 {
		return SignedCredit{}, fmt.Errorf("signed credit %s overflows i128", n)
	}
	var s SignedCredit
	s.v.Set(n)
	return s, nil
}

// BigInt returns a defensive copy of the underlying value.
func (s SignedCredit) BigInt() *big.Int { return new(big.Int).Set(&s.v) }

// Add returns s+other, erroring on i128 overflow.
func (s SignedCredit) Add(other SignedCredit) (SignedCredit, error) {
	sum := new(big.Int).Add(&s.v, &other.v)
	return SignedCreditFromBigInt(sum)
}

// Sub returns s-other, erroring on i128 overflow.
func (s SignedCredit) Sub(other SignedCredit) (SignedCredit, error) {
	diff := new(big.Int).Sub(&s.v, &other.v)
	return SignedCreditFromBigInt(diff)
}

// Neg returns -s.
func (s SignedCredit) Neg() SignedCredit {
	var out SignedCredit
	out.v.Neg(&s.v)
	return out
}

// Cmp compares two signed credits the way big.Int.Cmp does.
func (s SignedCredit) Cmp(other SignedCredit) int { return s.v.Cmp(&other.v) }

// GreaterEqual reports whether s >= other.
func (s SignedCredit) GreaterEqual(other SignedCredit) bool { return s.Cmp(other) >= 0 }

// MarshalBinary encodes the signed credit as 16 big-endian two's-complement
// bytes.
func (s SignedCredit) MarshalBinary() ([]byte, error) {
	return marshalSignedFixed(&s.v, credit128Bytes)
}

// UnmarshalBinary decodes 16 big-endian two's-complement bytes.
func (s *SignedCredit) UnmarshalBinary(data []byte) error {
	if len(data) != credit128Bytes {
		return fmt.Errorf("signed credit: expected %d bytes, got %d", credit128Bytes, len(data))
	}
	v := new(big.Int).SetBytes(data)
	// Two's complement: if the high bit is set, subtract 2^(8*len).
	if data[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), uint(len(data)*8))
		v.Sub(v, mod)
	}
	s.v.Set(v)
	return nil
}

func (s SignedCredit) String() string { return s.v.String() }

func marshalFixed(v *big.Int, width int) ([]byte, error) {
	b := v.Bytes()
	if len(b) > width {
		return nil, fmt.Errorf("value does not fit in %d bytes", width)
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out, nil
}

func marshalSignedFixed(v *big.Int, width int) ([]byte, error) {
	if v.Sign() >= 0 {
		return marshalFixed(v, width)
	}
	mod := new(big.Int).Lsh(big.NewInt(1), uint(width*8))
	twos := new(big.Int).Add(mod, v)
	return marshalFixed(twos, width)
}

// PutUint64BE is a small helper used by signature buffer assembly for the
// plain uint64 inconsistency_counter field.
func PutUint64BE(buf []byte, n uint64) {
	binary.BigEndian.PutUint64(buf, n)
}
