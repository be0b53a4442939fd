package mutualcredit

import "github.com/funder-network/funder-core/fundertypes"

// Snapshot is a flat, fully exported mirror of MutualCredit's private
// ledger fields. funderstore persists one of these per friend channel and
// rebuilds the ledger from it on load, the same role channeldb.OpenChannel
// plays for lnwallet.LightningChannel — an exported flat copy purpose-built
// for storage, kept separate from the live object's invariants.
type Snapshot struct {
	Identities Identities

	Balance fundertypes.SignedCredit

	LocalMaxDebt  fundertypes.Credit
	RemoteMaxDebt fundertypes.Credit

	LocalPendingDebt  fundertypes.Credit
	RemotePendingDebt fundertypes.Credit

	PendingLocalRequests  map[fundertypes.Uid]fundertypes.PendingRequest
	PendingRemoteRequests map[fundertypes.Uid]fundertypes.PendingRequest

	LocalRequestsStatus  fundertypes.RequestsStatus
	RemoteRequestsStatus fundertypes.RequestsStatus
}

// TakeSnapshot exports mc's complete state for persistence.
func (mc *MutualCredit) TakeSnapshot() Snapshot {
	return Snapshot{
		Identities:            mc.idents,
		Balance:               mc.balance,
		LocalMaxDebt:          mc.localMaxDebt,
		RemoteMaxDebt:         mc.remoteMaxDebt,
		LocalPendingDebt:      mc.localPendingDebt,
		RemotePendingDebt:     mc.remotePendingDebt,
		PendingLocalRequests:  mc.pendingLocalRequests,
		PendingRemoteRequests: mc.pendingRemoteRequests,
		LocalRequestsStatus:   mc.localRequestsStatus,
		RemoteRequestsStatus:  mc.remoteRequestsStatus,
	}
}

// FromSnapshot rebuilds a MutualCredit exactly as TakeSnapshot captured it.
func FromSnapshot(s Snapshot) *MutualCredit {
	localReqs := s.PendingLocalRequests
	if localReqs == nil {
		localReqs = make(map[fundertypes.Uid]fundertypes.PendingRequest)
	}
	remoteReqs := s.PendingRemoteRequests
	if remoteReqs == nil {
		remoteReqs = make(map[fundertypes.Uid]fundertypes.PendingRequest)
	}
	return &MutualCredit{
		idents:                s.Identities,
		balance:               s.Balance,
		localMaxDebt:          s.LocalMaxDebt,
		remoteMaxDebt:         s.RemoteMaxDebt,
		localPendingDebt:      s.LocalPendingDebt,
		remotePendingDebt:     s.RemotePendingDebt,
		pendingLocalRequests:  localReqs,
		pendingRemoteRequests: remoteReqs,
		localRequestsStatus:   s.LocalRequestsStatus,
		remoteRequestsStatus:  s.RemoteRequestsStatus,
	}
}
