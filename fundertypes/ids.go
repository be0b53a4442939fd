// Package fundertypes holds the wire-level data model shared by every
// Funder component: public keys, signatures, routes, move tokens and the
// credit operations that ride inside them. Nothing in this package mutates
// in place; every value here is immutable once constructed.
package fundertypes

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// PublicKeyLen is the length of a compressed secp256k1 public key.
	PublicKeyLen = 33

	// SignatureLen is the length of a compact, pad-friendly signature.
	SignatureLen = 64

	// HashLen is the length of a HashResult.
	HashLen = 32

	// RandValueLen is the length of a RandValue nonce.
	RandValueLen = 32

	// UidLen is the length of a request Uid.
	UidLen = 16

	// InvoiceIdLen is the length of an InvoiceId.
	InvoiceIdLen = 16
)

// PublicKey identifies a node. It is a fixed-width opaque byte string
// wrapping a compressed secp256k1 point.
type PublicKey [PublicKeyLen]byte

// String returns the hex encoding of the public key.
func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }

// IsEmpty reports whether p is the zero public key.
func (p PublicKey) IsEmpty() bool { return p == PublicKey{} }

// Less gives a deterministic total order over public keys, used to pick
// the winning side's reset terms and to order the pair in NewChannelID.
// (Which side begins a fresh token channel Outgoing is decided by a hash
// order in package tokenchannel, not by Less.)
func (p PublicKey) Less(other PublicKey) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// Signature is a fixed-width opaque signature.
type Signature [SignatureLen]byte

func (s Signature) String() string { return hex.EncodeToString(s[:]) }

// IsZero reports whether s is all zero bytes (used to recognize a reset
// move token, whose OldToken is left zero).
func (s Signature) IsZero() bool { return s == Signature{} }

// HashResult is a fixed-width hash digest.
type HashResult [HashLen]byte

func (h HashResult) String() string { return hex.EncodeToString(h[:]) }

// RandValue is a fixed-width random nonce.
type RandValue [RandValueLen]byte

// NewRandValue draws a fresh cryptographically random nonce.
func NewRandValue() (RandValue, error) {
	var r RandValue
	if _, err := rand.Read(r[:]); err != nil {
		return r, fmt.Errorf("rand nonce: %w", err)
	}
	return r, nil
}

// Uid identifies a single payment request, unique within a token channel
// for the lifetime of the in-flight request.
type Uid [UidLen]byte

func (u Uid) String() string { return hex.EncodeToString(u[:]) }

// InvoiceId opaquely identifies what a payment is for.
type InvoiceId [InvoiceIdLen]byte

// NewSignature draws a fresh random signature value, used only for reset
// tokens, which are random rather than produced by signing.
func NewSignature() (Signature, error) {
	var s Signature
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("rand signature: %w", err)
	}
	return s, nil
}

// ChannelID stably identifies a friend's token channel across both peers'
// logs and metrics, the bilateral-channel analogue of
// channeldb.OpenChannel's ChainHash/outpoint-derived identifier. Unlike
// HashResult, which hashes move-token wire contents, a ChannelID never
// changes across the channel's lifetime.
type ChannelID chainhash.Hash

func (c ChannelID) String() string { return chainhash.Hash(c).String() }

// NewChannelID derives the stable identifier for the channel between a and
// b. The two public keys are concatenated in PublicKey.Less order first, so
// both sides of a friend pair compute the same ID regardless of which one
// is "local".
func NewChannelID(a, b PublicKey) ChannelID {
	first, second := a, b
	if b.Less(a) {
		first, second = b, a
	}
	buf := make([]byte, 0, 2*PublicKeyLen)
	buf = append(buf, first[:]...)
	buf = append(buf, second[:]...)
	return ChannelID(chainhash.DoubleHashH(buf))
}

// PadPublicKey embeds a public key at the start of a signature-sized
// buffer. Used only to build the deterministic, unsigned genesis move
// token: the result is never a valid signature.
func PadPublicKey(pk PublicKey) Signature {
	var s Signature
	copy(s[:], pk[:])
	return s
}
