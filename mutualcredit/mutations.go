package mutualcredit

import "github.com/funder-network/funder-core/fundertypes"

// McMutation is the closed sum of state transitions a MutualCredit can
// undergo. process_operation returns these instead of mutating in place
// on failure, so a rejected op leaves no trace (spec.md §4.1, §9).
type McMutation interface {
	isMcMutation()
	apply(mc *MutualCredit)
}

type MutSetLocalRequestsStatus struct{ Status fundertypes.RequestsStatus }

func (MutSetLocalRequestsStatus) isMcMutation() {}
func (m MutSetLocalRequestsStatus) apply(mc *MutualCredit) { mc.localRequestsStatus = m.Status }

type MutSetRemoteRequestsStatus struct{ Status fundertypes.RequestsStatus }

func (MutSetRemoteRequestsStatus) isMcMutation() {}
func (m MutSetRemoteRequestsStatus) apply(mc *MutualCredit) { mc.remoteRequestsStatus = m.Status }

type MutSetLocalMaxDebt struct{ MaxDebt fundertypes.Credit }

func (MutSetLocalMaxDebt) isMcMutation() {}
func (m MutSetLocalMaxDebt) apply(mc *MutualCredit) { mc.localMaxDebt = m.MaxDebt }

type MutSetRemoteMaxDebt struct{ MaxDebt fundertypes.Credit }

func (MutSetRemoteMaxDebt) isMcMutation() {}
func (m MutSetRemoteMaxDebt) apply(mc *MutualCredit) { mc.remoteMaxDebt = m.MaxDebt }

type MutSetBalance struct{ Balance fundertypes.SignedCredit }

func (MutSetBalance) isMcMutation() {}
func (m MutSetBalance) apply(mc *MutualCredit) { mc.balance = m.Balance }

type MutSetLocalPendingDebt struct{ Debt fundertypes.Credit }

func (MutSetLocalPendingDebt) isMcMutation() {}
func (m MutSetLocalPendingDebt) apply(mc *MutualCredit) { mc.localPendingDebt = m.Debt }

type MutSetRemotePendingDebt struct{ Debt fundertypes.Credit }

func (MutSetRemotePendingDebt) isMcMutation() {}
func (m MutSetRemotePendingDebt) apply(mc *MutualCredit) { mc.remotePendingDebt = m.Debt }

type MutInsertLocalPendingRequest struct{ Request fundertypes.PendingRequest }

func (MutInsertLocalPendingRequest) isMcMutation() {}
func (m MutInsertLocalPendingRequest) apply(mc *MutualCredit) {
	mc.pendingLocalRequests[m.Request.RequestID] = m.Request
}

type MutRemoveLocalPendingRequest struct{ RequestID fundertypes.Uid }

func (MutRemoveLocalPendingRequest) isMcMutation() {}
func (m MutRemoveLocalPendingRequest) apply(mc *MutualCredit) {
	delete(mc.pendingLocalRequests, m.RequestID)
}

type MutInsertRemotePendingRequest struct{ Request fundertypes.PendingRequest }

func (MutInsertRemotePendingRequest) isMcMutation() {}
func (m MutInsertRemotePendingRequest) apply(mc *MutualCredit) {
	mc.pendingRemoteRequests[m.Request.RequestID] = m.Request
}

type MutRemoveRemotePendingRequest struct{ RequestID fundertypes.Uid }

func (MutRemoveRemotePendingRequest) isMcMutation() {}
func (m MutRemoveRemotePendingRequest) apply(mc *MutualCredit) {
	delete(mc.pendingRemoteRequests, m.RequestID)
}

// Mutate applies a single mutation in place. Exported so TokenChannel (and
// replay from persisted state) can apply mutations that were previously
// computed by process_operation without recomputing them.
func (mc *MutualCredit) Mutate(m McMutation) { m.apply(mc) }
