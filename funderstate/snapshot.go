package funderstate

import (
	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/fundertypes"
)

// Snapshot is a flat, fully exported mirror of FunderState for
// persistence: every friend flattened to its own Snapshot, plus the
// receipts map, which is already storage-shaped.
type Snapshot struct {
	LocalPK  fundertypes.PublicKey
	Friends  map[fundertypes.PublicKey]friendstate.Snapshot
	Receipts map[fundertypes.Uid]fundertypes.Receipt
}

// TakeSnapshot exports s's complete state for persistence.
func (s *FunderState) TakeSnapshot() Snapshot {
	friends := make(map[fundertypes.PublicKey]friendstate.Snapshot, len(s.Friends))
	for pk, fs := range s.Friends {
		friends[pk] = fs.TakeSnapshot()
	}
	return Snapshot{
		LocalPK:  s.LocalPK,
		Friends:  friends,
		Receipts: s.Receipts,
	}
}

// FromSnapshot rebuilds a FunderState exactly as TakeSnapshot captured it.
func FromSnapshot(s Snapshot) *FunderState {
	friends := make(map[fundertypes.PublicKey]*friendstate.FriendState, len(s.Friends))
	for pk, fsnap := range s.Friends {
		friends[pk] = friendstate.FromSnapshot(fsnap)
	}
	receipts := s.Receipts
	if receipts == nil {
		receipts = make(map[fundertypes.Uid]fundertypes.Receipt)
	}
	return &FunderState{
		LocalPK:  s.LocalPK,
		Friends:  friends,
		Receipts: receipts,
	}
}
