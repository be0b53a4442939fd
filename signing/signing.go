// Package signing implements the identity-service collaborator spec.md
// §6 describes abstractly as "exposes request_signature(bytes) →
// Signature asynchronously". Grounded on the btcec-based signing helpers
// throughout lnwallet/script_utils.go, generalized from script witnesses
// to the funder core's hash-then-sign move-token contract. Signatures are
// BIP-340 Schnorr rather than DER-ECDSA so they fit the fixed 64-byte
// Signature field without truncation or padding games.
package signing

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/funder-network/funder-core/fundertypes"
)

// Client is the identity service boundary: everything above this package
// only ever asks for a signature over an opaque byte buffer, never
// touches a private key directly. A remote HSM or hardware wallet could
// implement this same interface without the funder core noticing.
type Client interface {
	RequestSignature(buf []byte) (fundertypes.Signature, error)
	PublicKey() fundertypes.PublicKey
}

// LocalClient is a Client backed by an in-process secp256k1 private key.
// It is the only implementation the daemon ships; anything stronger
// (remote signer, HSM) can satisfy the same interface without changing a
// caller.
type LocalClient struct {
	priv *btcec.PrivateKey
	pub  fundertypes.PublicKey
}

// NewLocalClient wraps an existing private key.
func NewLocalClient(priv *btcec.PrivateKey) (*LocalClient, error) {
	var pub fundertypes.PublicKey
	compressed := priv.PubKey().SerializeCompressed()
	if len(compressed) != fundertypes.PublicKeyLen {
		return nil, fmt.Errorf("signing: unexpected compressed pubkey length %d", len(compressed))
	}
	copy(pub[:], compressed)
	return &LocalClient{priv: priv, pub: pub}, nil
}

// GenerateLocalClient creates a fresh random keypair, used by tests and
// single-node bring-up where no key material is provisioned yet.
func GenerateLocalClient() (*LocalClient, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return NewLocalClient(priv)
}

// PublicKey returns the compressed secp256k1 public key identifying this
// node to friends.
func (c *LocalClient) PublicKey() fundertypes.PublicKey { return c.pub }

// RequestSignature signs the sha256 digest of buf with BIP-340 Schnorr,
// giving a fixed 64-byte signature that fits the Signature field exactly.
func (c *LocalClient) RequestSignature(buf []byte) (fundertypes.Signature, error) {
	digest := sha256.Sum256(buf)
	sig, err := schnorr.Sign(c.priv, digest[:])
	if err != nil {
		return fundertypes.Signature{}, fmt.Errorf("signing: schnorr sign: %w", err)
	}

	var out fundertypes.Signature
	encoded := sig.Serialize()
	if len(encoded) != fundertypes.SignatureLen {
		return out, fmt.Errorf("signing: schnorr signature %d bytes, want %d", len(encoded), fundertypes.SignatureLen)
	}
	copy(out[:], encoded)
	return out, nil
}

// Verify checks that sig is a valid Schnorr signature by pk over buf.
// Schnorr verification only needs the x-coordinate of pk, so the leading
// compression-prefix byte of the stored compressed public key is
// dropped.
func Verify(pk fundertypes.PublicKey, buf []byte, sig fundertypes.Signature) bool {
	if pk[0] != 0x02 && pk[0] != 0x03 {
		return false
	}
	xOnly, err := schnorr.ParsePubKey(pk[1:])
	if err != nil {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(buf)
	return parsed.Verify(digest[:], xOnly)
}
