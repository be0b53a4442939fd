// Package funderstore is the on-disk persistence layer for one node's
// FunderState. Grounded on channeldb/db.go's top-level database handle —
// a single backend opened once at startup, exposing typed load/save
// methods over a handful of purpose-specific buckets — generalized from
// bbolt-via-boltdb to the lnd/kvdb backend abstraction and from channel
// funding/graph data to the funder core's friend/receipt state.
package funderstore

import (
	"bytes"
	"encoding/gob"
	"fmt"

	goerrors "github.com/go-errors/errors"
	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/funderstate"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/lightningnetwork/lnd/kvdb"
)

const dbFileName = "funder.db"

var (
	// friendBucket holds one gob-encoded friendstate.Snapshot per friend,
	// keyed by the friend's raw public key bytes.
	friendBucket = []byte("friends")

	// receiptBucket holds one gob-encoded fundertypes.Receipt per
	// outstanding request, keyed by the request's raw Uid bytes.
	receiptBucket = []byte("receipts")

	// metaBucket holds the single node-identity record.
	metaBucket = []byte("meta")
	localPKKey = []byte("local-pk")
)

// DB is the persistent store backing one node's FunderState. It is safe
// for concurrent use, though the funder loop's single-writer discipline
// means only one goroutine ever calls the mutating methods.
type DB struct {
	kvdb.Backend
}

// Open opens (creating if necessary) the funder store rooted at dbPath.
func Open(dbPath string) (*DB, error) {
	backend, err := kvdb.Create(kvdb.BoltBackendName, dbPath, dbFileName, true, kvdb.DefaultDBTimeout)
	if err != nil {
		return nil, goerrors.WrapPrefix(err, "funderstore: opening backend", 0)
	}

	db := &DB{Backend: backend}
	if err := db.Update(func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(friendBucket); err != nil {
			return err
		}
		if _, err := tx.CreateTopLevelBucket(receiptBucket); err != nil {
			return err
		}
		_, err := tx.CreateTopLevelBucket(metaBucket)
		return err
	}, func() {}); err != nil {
		backend.Close()
		return nil, goerrors.WrapPrefix(err, "funderstore: initializing buckets", 0)
	}
	return db, nil
}

// SetLocalPK records this node's own identity, called once on first run.
func (d *DB) SetLocalPK(pk fundertypes.PublicKey) error {
	return d.Update(func(tx kvdb.RwTx) error {
		meta := tx.ReadWriteBucket(metaBucket)
		return meta.Put(localPKKey, pk[:])
	}, func() {})
}

// LocalPK returns the previously recorded node identity, if any.
func (d *DB) LocalPK() (fundertypes.PublicKey, bool, error) {
	var pk fundertypes.PublicKey
	var found bool
	err := d.View(func(tx kvdb.RTx) error {
		meta := tx.ReadBucket(metaBucket)
		raw := meta.Get(localPKKey)
		if raw == nil {
			return nil
		}
		copy(pk[:], raw)
		found = true
		return nil
	}, func() {})
	return pk, found, err
}

// SaveFriend writes one friend's current snapshot, overwriting whatever
// was stored for that public key before.
func (d *DB) SaveFriend(pk fundertypes.PublicKey, snap friendstate.Snapshot) error {
	raw, err := encodeGob(snap)
	if err != nil {
		return fmt.Errorf("funderstore: encoding friend %s: %w", pk, err)
	}
	return d.Update(func(tx kvdb.RwTx) error {
		return tx.ReadWriteBucket(friendBucket).Put(pk[:], raw)
	}, func() {})
}

// LoadFriend fetches one friend's stored snapshot by public key.
func (d *DB) LoadFriend(pk fundertypes.PublicKey) (friendstate.Snapshot, error) {
	var snap friendstate.Snapshot
	err := d.View(func(tx kvdb.RTx) error {
		raw := tx.ReadBucket(friendBucket).Get(pk[:])
		if raw == nil {
			return ErrFriendNotFound
		}
		return decodeGob(raw, &snap)
	}, func() {})
	return snap, err
}

// RemoveFriend deletes a friend's stored snapshot entirely.
func (d *DB) RemoveFriend(pk fundertypes.PublicKey) error {
	return d.Update(func(tx kvdb.RwTx) error {
		return tx.ReadWriteBucket(friendBucket).Delete(pk[:])
	}, func() {})
}

// LoadState rebuilds a complete FunderState for localPK from every
// persisted friend snapshot and receipt.
func (d *DB) LoadState(localPK fundertypes.PublicKey) (*funderstate.FunderState, error) {
	snap := funderstate.Snapshot{
		LocalPK:  localPK,
		Friends:  make(map[fundertypes.PublicKey]friendstate.Snapshot),
		Receipts: make(map[fundertypes.Uid]fundertypes.Receipt),
	}

	err := d.View(func(tx kvdb.RTx) error {
		friends := tx.ReadBucket(friendBucket)
		if err := friends.ForEach(func(k, v []byte) error {
			var pk fundertypes.PublicKey
			copy(pk[:], k)
			var fsnap friendstate.Snapshot
			if err := decodeGob(v, &fsnap); err != nil {
				return fmt.Errorf("decoding friend %s: %w", pk, err)
			}
			snap.Friends[pk] = fsnap
			return nil
		}); err != nil {
			return err
		}

		receipts := tx.ReadBucket(receiptBucket)
		return receipts.ForEach(func(k, v []byte) error {
			var uid fundertypes.Uid
			copy(uid[:], k)
			var receipt fundertypes.Receipt
			if err := decodeGob(v, &receipt); err != nil {
				return fmt.Errorf("decoding receipt %s: %w", uid, err)
			}
			snap.Receipts[uid] = receipt
			return nil
		})
	}, func() {})
	if err != nil {
		return nil, goerrors.WrapPrefix(err, "funderstore: loading state", 0)
	}

	return funderstate.FromSnapshot(snap), nil
}

// SaveReceipt persists one completed payment's receipt.
func (d *DB) SaveReceipt(requestID fundertypes.Uid, receipt fundertypes.Receipt) error {
	raw, err := encodeGob(receipt)
	if err != nil {
		return fmt.Errorf("funderstore: encoding receipt %s: %w", requestID, err)
	}
	return d.Update(func(tx kvdb.RwTx) error {
		return tx.ReadWriteBucket(receiptBucket).Put(requestID[:], raw)
	}, func() {})
}

// LoadReceipt fetches one receipt by request Uid.
func (d *DB) LoadReceipt(requestID fundertypes.Uid) (fundertypes.Receipt, error) {
	var receipt fundertypes.Receipt
	err := d.View(func(tx kvdb.RTx) error {
		raw := tx.ReadBucket(receiptBucket).Get(requestID[:])
		if raw == nil {
			return ErrReceiptNotFound
		}
		return decodeGob(raw, &receipt)
	}, func() {})
	return receipt, err
}

// RemoveReceipt drops a receipt once the user has acknowledged it.
func (d *DB) RemoveReceipt(requestID fundertypes.Uid) error {
	return d.Update(func(tx kvdb.RwTx) error {
		return tx.ReadWriteBucket(receiptBucket).Delete(requestID[:])
	}, func() {})
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(raw []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(v)
}
