package fundertypes

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Route is an ordered sequence of public keys describing a multi-hop
// payment path. No public key may repeat.
type Route struct {
	pks []PublicKey
}

// NewRoute validates and wraps a sequence of hops, rejecting duplicates.
func NewRoute(pks []PublicKey) (Route, error) {
	seen := make(map[PublicKey]struct{}, len(pks))
	for _, pk := range pks {
		if _, ok := seen[pk]; ok {
			return Route{}, fmt.Errorf("route contains duplicate public key %s", pk)
		}
		seen[pk] = struct{}{}
	}
	cp := make([]PublicKey, len(pks))
	copy(cp, pks)
	return Route{pks: cp}, nil
}

// Len returns the number of hops in the route.
func (r Route) Len() int { return len(r.pks) }

// PKAt returns the public key at index, panicking if out of range — callers
// are expected to have validated the index first via IndexOf.
func (r Route) PKAt(index int) PublicKey { return r.pks[index] }

// IndexOf returns the index of pk in the route, or -1 if absent.
func (r Route) IndexOf(pk PublicKey) int {
	for i, p := range r.pks {
		if p == pk {
			return i
		}
	}
	return -1
}

// FindPKPair returns the index of `remote` such that `remote` is
// immediately followed by `local` in the route, or -1 if no such
// consecutive pair exists. Used by a forwarding hop to locate itself.
func (r Route) FindPKPair(remote, local PublicKey) int {
	for i := 0; i+1 < len(r.pks); i++ {
		if r.pks[i] == remote && r.pks[i+1] == local {
			return i
		}
	}
	return -1
}

// Serialize returns a canonical byte encoding of the route: the hop count
// followed by each public key in order.
func (r Route) Serialize() []byte {
	out := make([]byte, 0, 8+len(r.pks)*PublicKeyLen)
	var countBuf [8]byte
	PutUint64BE(countBuf[:], uint64(len(r.pks)))
	out = append(out, countBuf[:]...)
	for _, pk := range r.pks {
		out = append(out, pk[:]...)
	}
	return out
}

// Hash returns the route's hash, used inside signature buffers so the
// response/failure signatures bind to the exact path taken.
func (r Route) Hash() HashResult {
	return blake2b.Sum256(r.Serialize())
}

// PublicKeys returns a defensive copy of the hop list.
func (r Route) PublicKeys() []PublicKey {
	cp := make([]PublicKey, len(r.pks))
	copy(cp, r.pks)
	return cp
}

// GobEncode lets Route ride inside gob-encoded persistence records
// despite its unexported field, encoding the same hop list PublicKeys
// exposes.
func (r Route) GobEncode() ([]byte, error) {
	return r.Serialize(), nil
}

// GobDecode restores a Route from the bytes GobEncode produced.
func (r *Route) GobDecode(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("fundertypes: route gob data too short")
	}
	count := int(binary.BigEndian.Uint64(data[:8]))
	data = data[8:]
	if len(data) != count*PublicKeyLen {
		return fmt.Errorf("fundertypes: route gob data has wrong length for %d hops", count)
	}
	pks := make([]PublicKey, count)
	for i := 0; i < count; i++ {
		copy(pks[i][:], data[i*PublicKeyLen:(i+1)*PublicKeyLen])
	}
	r.pks = pks
	return nil
}
