// Package mutualcredit implements C1 from the funder core design: the
// one-way credit arithmetic primitives backing a single friend's channel
// — balance, pending debt, max debt, and the application of a single
// credit operation. Grounded on the balance/HTLC bookkeeping patterns in
// lnwallet's LightningChannel, generalized from on-chain commitments to a
// pure credit-line model.
package mutualcredit

import (
	"errors"

	"github.com/funder-network/funder-core/fundertypes"
)

// OpError is the closed sum of ways a single operation can be rejected.
// Every OpError is, per spec.md §4.1/§7, a signal that the batch carrying
// it must be treated as a ChainInconsistency by the caller — none of them
// are recovered within MutualCredit itself.
type OpError struct {
	Kind OpErrorKind
	Err  error
}

func (e *OpError) Error() string { return e.Err.Error() }
func (e *OpError) Unwrap() error { return e.Err }

// OpErrorKind enumerates the distinct rejection reasons named in spec.md.
type OpErrorKind int

const (
	ErrInsufficientTrust OpErrorKind = iota
	ErrRequestsClosed
	ErrDuplicateRequest
	ErrCreditsOverflow
	ErrRequestDoesNotExist
	ErrInvalidSignature
	ErrInvalidReportingKey
)

func newOpErr(kind OpErrorKind, msg string) *OpError {
	return &OpError{Kind: kind, Err: errors.New(msg)}
}

// Identities names the two parties of a mutual credit channel from the
// local side's point of view.
type Identities struct {
	LocalPK  fundertypes.PublicKey
	RemotePK fundertypes.PublicKey
}

// MutualCredit is the one-way credit ledger for a single friend channel.
// Every public mutator returns the ordered list of McMutations it applied
// (or an error, in which case nothing was mutated) so callers — namely
// TokenChannel — can persist the same mutations that were just computed.
type MutualCredit struct {
	idents Identities

	balance fundertypes.SignedCredit

	localMaxDebt  fundertypes.Credit
	remoteMaxDebt fundertypes.Credit

	localPendingDebt  fundertypes.Credit
	remotePendingDebt fundertypes.Credit

	pendingLocalRequests  map[fundertypes.Uid]fundertypes.PendingRequest
	pendingRemoteRequests map[fundertypes.Uid]fundertypes.PendingRequest

	localRequestsStatus  fundertypes.RequestsStatus
	remoteRequestsStatus fundertypes.RequestsStatus
}

// New builds a fresh, zero-balance mutual credit ledger for a channel
// between localPK and remotePK.
func New(localPK, remotePK fundertypes.PublicKey) *MutualCredit {
	return &MutualCredit{
		idents:                Identities{LocalPK: localPK, RemotePK: remotePK},
		balance:               fundertypes.NewSignedCredit(0),
		localPendingDebt:      fundertypes.NewCredit(0),
		remotePendingDebt:     fundertypes.NewCredit(0),
		localMaxDebt:          fundertypes.NewCredit(0),
		remoteMaxDebt:         fundertypes.NewCredit(0),
		pendingLocalRequests:  make(map[fundertypes.Uid]fundertypes.PendingRequest),
		pendingRemoteRequests: make(map[fundertypes.Uid]fundertypes.PendingRequest),
		localRequestsStatus:   fundertypes.RequestsClosed,
		remoteRequestsStatus:  fundertypes.RequestsClosed,
	}
}

// NewWithBalance builds a ledger seeded at a specific balance, used when
// constructing a channel from agreed reset terms (spec.md §4.2
// reset_from_remote/reset_from_local).
func NewWithBalance(localPK, remotePK fundertypes.PublicKey, balance fundertypes.SignedCredit) *MutualCredit {
	mc := New(localPK, remotePK)
	mc.balance = balance
	return mc
}

// Clone returns a deep copy, used by TokenChannel to fork speculative
// state before committing a received batch.
func (mc *MutualCredit) Clone() *MutualCredit {
	out := *mc
	out.pendingLocalRequests = make(map[fundertypes.Uid]fundertypes.PendingRequest, len(mc.pendingLocalRequests))
	for k, v := range mc.pendingLocalRequests {
		out.pendingLocalRequests[k] = v
	}
	out.pendingRemoteRequests = make(map[fundertypes.Uid]fundertypes.PendingRequest, len(mc.pendingRemoteRequests))
	for k, v := range mc.pendingRemoteRequests {
		out.pendingRemoteRequests[k] = v
	}
	return &out
}

// Identities returns the channel's local/remote public keys.
func (mc *MutualCredit) Identities() Identities { return mc.idents }

// Balance returns the current signed balance (positive ⇒ remote owes
// local).
func (mc *MutualCredit) Balance() fundertypes.SignedCredit { return mc.balance }

// LocalMaxDebt returns the cap on how much local may owe remote.
func (mc *MutualCredit) LocalMaxDebt() fundertypes.Credit { return mc.localMaxDebt }

// RemoteMaxDebt returns the cap on how much remote may owe local.
func (mc *MutualCredit) RemoteMaxDebt() fundertypes.Credit { return mc.remoteMaxDebt }

// LocalPendingDebt returns credit local has frozen against its own limit.
func (mc *MutualCredit) LocalPendingDebt() fundertypes.Credit { return mc.localPendingDebt }

// RemotePendingDebt returns credit remote has frozen against its limit.
func (mc *MutualCredit) RemotePendingDebt() fundertypes.Credit { return mc.remotePendingDebt }

// LocalRequestsStatus returns whether local currently accepts forwarded
// requests.
func (mc *MutualCredit) LocalRequestsStatus() fundertypes.RequestsStatus { return mc.localRequestsStatus }

// RemoteRequestsStatus returns local's record of whether remote currently
// accepts forwarded requests.
func (mc *MutualCredit) RemoteRequestsStatus() fundertypes.RequestsStatus { return mc.remoteRequestsStatus }

// PendingLocalRequest looks up a request local itself forwarded.
func (mc *MutualCredit) PendingLocalRequest(uid fundertypes.Uid) (fundertypes.PendingRequest, bool) {
	pr, ok := mc.pendingLocalRequests[uid]
	return pr, ok
}

// PendingRemoteRequest looks up a request remote forwarded to local.
func (mc *MutualCredit) PendingRemoteRequest(uid fundertypes.Uid) (fundertypes.PendingRequest, bool) {
	pr, ok := mc.pendingRemoteRequests[uid]
	return pr, ok
}

// PendingRemoteRequests returns a defensive copy of every request
// currently pending on the remote side, used to rebuild the ephemeral
// origin index on load (funderstate.OriginIndex).
func (mc *MutualCredit) PendingRemoteRequests() map[fundertypes.Uid]fundertypes.PendingRequest {
	out := make(map[fundertypes.Uid]fundertypes.PendingRequest, len(mc.pendingRemoteRequests))
	for k, v := range mc.pendingRemoteRequests {
		out[k] = v
	}
	return out
}

// BalanceForReset is the conservative reset balance: the credit position
// that remains valid even if every currently pending request eventually
// resolves against local (spec.md §3).
func (mc *MutualCredit) BalanceForReset() fundertypes.SignedCredit {
	withRemote, err := mc.balance.Add(mc.remotePendingDebt.Signed())
	if err != nil {
		// Pending debts are bounded by max debts, which are bounded
		// by u128; this cannot overflow i128 in practice, but fail
		// closed to the unmodified balance rather than panic.
		withRemote = mc.balance
	}
	out, err := withRemote.Sub(mc.localPendingDebt.Signed())
	if err != nil {
		return withRemote
	}
	return out
}

// availableLocalSendCredit is the remaining room local has to take on new
// pending debt before breaching `balance - local_pending_debt >=
// -local_max_debt`.
func (mc *MutualCredit) availableLocalSendCredit() fundertypes.SignedCredit {
	room, err := mc.localMaxDebt.Signed().Add(mc.balance)
	if err != nil {
		return fundertypes.NewSignedCredit(0)
	}
	room, err = room.Sub(mc.localPendingDebt.Signed())
	if err != nil {
		return fundertypes.NewSignedCredit(0)
	}
	return room
}

// availableRemoteSendCredit is the remaining room remote has to take on
// new pending debt before breaching `balance + remote_pending_debt <=
// remote_max_debt`.
func (mc *MutualCredit) availableRemoteSendCredit() fundertypes.SignedCredit {
	room, err := mc.remoteMaxDebt.Signed().Sub(mc.balance)
	if err != nil {
		return fundertypes.NewSignedCredit(0)
	}
	room, err = room.Sub(mc.remotePendingDebt.Signed())
	if err != nil {
		return fundertypes.NewSignedCredit(0)
	}
	return room
}
