// Package friendstate implements C4: one friend's channel plus its three
// FIFO queues and liveness-adjacent bookkeeping (status, address
// transitions). Grounded on peer.go's per-peer bookkeeping structure in
// the teacher (queued updates, address tracking) generalized from a
// gossip/HTLC peer session to a single funder channel's reducer state.
package friendstate

import (
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/tokenchannel"
)

// SentLocalAddress tracks what we last told remote our own reachable
// address is, including the in-flight Transition state spec.md §4.6
// restores from the original implementation: while our new address is
// announced but not yet acknowledged by a MoveToken round trip, we
// remember both the new and the previous value.
type SentLocalAddress interface {
	isSentLocalAddress()
}

type NeverSent struct{}

func (NeverSent) isSentLocalAddress() {}

type LastSent struct{ Address []byte }

func (LastSent) isSentLocalAddress() {}

type Transition struct {
	New      []byte
	Previous []byte
}

func (Transition) isSentLocalAddress() {}

// ChannelInconsistent is the state held while a friend's channel has
// diverged and is awaiting the reset protocol.
type ChannelInconsistent struct {
	OptLastIncomingMoveToken *fundertypes.MoveToken
	LocalResetTerms          fundertypes.ResetTerms
	OptRemoteResetTerms      *fundertypes.ResetTerms
}

// ChannelStatus is Consistent(TokenChannel) | Inconsistent(ChannelInconsistent).
type ChannelStatus interface {
	isChannelStatus()
}

type StatusConsistent struct{ Channel *tokenchannel.TokenChannel }

func (StatusConsistent) isChannelStatus() {}

type StatusInconsistent struct{ Info ChannelInconsistent }

func (StatusInconsistent) isChannelStatus() {}

// ResponseOp is the closed sum of what can sit in pending_responses: a
// fully signed response or failure op ready to ride in the next outgoing
// MoveToken, or an UnsignedResponse awaiting a signature from the
// identity service before it can be included.
type ResponseOp interface {
	isResponseOp()
}

type ResponseOpSigned struct{ Op fundertypes.OpResponseSendFunds }

func (ResponseOpSigned) isResponseOp() {}

type ResponseOpFailure struct{ Op fundertypes.OpFailureSendFunds }

func (ResponseOpFailure) isResponseOp() {}

type ResponseOpUnsigned struct{ Request fundertypes.PendingRequest }

func (ResponseOpUnsigned) isResponseOp() {}

// MaxQueuedOps bounds the pending user requests queue: a RequestSendFunds
// control command is refused once that queue holds this many entries. The
// pending requests and pending responses queues are not capped.
const MaxQueuedOps = 10_000

// FriendState is one friend's complete reducer-owned state.
type FriendState struct {
	LocalPK  fundertypes.PublicKey
	RemotePK fundertypes.PublicKey

	RemoteAddress []byte

	ChannelStatus ChannelStatus

	WantedRemoteMaxDebt       fundertypes.Credit
	WantedLocalRequestsStatus fundertypes.RequestsStatus

	PendingRequests     []fundertypes.OpRequestSendFunds
	PendingResponses     []ResponseOp
	PendingUserRequests  []fundertypes.OpRequestSendFunds

	Status fundertypes.FriendStatus

	SentLocalAddress SentLocalAddress
}

// New builds a fresh FriendState with a genesis token channel and all
// queues empty, per AddFriend's effect in spec.md §4.4.
func New(localPK, remotePK fundertypes.PublicKey, remoteAddress []byte) *FriendState {
	return &FriendState{
		LocalPK:                   localPK,
		RemotePK:                  remotePK,
		RemoteAddress:             remoteAddress,
		ChannelStatus:             StatusConsistent{Channel: tokenchannel.NewGenesis(localPK, remotePK)},
		WantedRemoteMaxDebt:       fundertypes.NewCredit(0),
		WantedLocalRequestsStatus: fundertypes.RequestsClosed,
		Status:                    fundertypes.FriendEnable,
		SentLocalAddress:          NeverSent{},
	}
}

// IsConsistent reports whether the channel is currently Consistent.
func (fs *FriendState) IsConsistent() bool {
	_, ok := fs.ChannelStatus.(StatusConsistent)
	return ok
}

// Channel returns the underlying TokenChannel and true if Consistent.
func (fs *FriendState) Channel() (*tokenchannel.TokenChannel, bool) {
	c, ok := fs.ChannelStatus.(StatusConsistent)
	if !ok {
		return nil, false
	}
	return c.Channel, true
}

// Inconsistency returns the ChannelInconsistent details and true if the
// channel is currently Inconsistent.
func (fs *FriendState) Inconsistency() (ChannelInconsistent, bool) {
	i, ok := fs.ChannelStatus.(StatusInconsistent)
	if !ok {
		return ChannelInconsistent{}, false
	}
	return i.Info, true
}

// FriendMutation is the closed sum of state transitions a FriendState can
// undergo.
type FriendMutation interface {
	isFriendMutation()
	apply(fs *FriendState)
}

// MutApplyTc replays a tokenchannel mutation against the current
// channel. The caller must ensure the channel is Consistent; applying
// this while Inconsistent is a programming error, matching the
// reducer's single-threaded invariant that a mutation list is only ever
// built against state the handler has already checked.
type MutApplyTc struct{ Inner tokenchannel.TcMutation }

func (MutApplyTc) isFriendMutation() {}
func (m MutApplyTc) apply(fs *FriendState) {
	c, ok := fs.ChannelStatus.(StatusConsistent)
	if !ok {
		panic("friendstate: MutApplyTc applied while channel is Inconsistent")
	}
	c.Channel.Apply(m.Inner)
}

// MutSetChannelConsistent replaces the channel wholesale — used after a
// successful reset (reset_from_remote/reset_from_local).
type MutSetChannelConsistent struct{ Channel *tokenchannel.TokenChannel }

func (MutSetChannelConsistent) isFriendMutation() {}
func (m MutSetChannelConsistent) apply(fs *FriendState) { fs.ChannelStatus = StatusConsistent{Channel: m.Channel} }

// MutSetChannelInconsistent transitions the channel to Inconsistent.
type MutSetChannelInconsistent struct{ Info ChannelInconsistent }

func (MutSetChannelInconsistent) isFriendMutation() {}
func (m MutSetChannelInconsistent) apply(fs *FriendState) { fs.ChannelStatus = StatusInconsistent{Info: m.Info} }

// MutSetRemoteAddress updates the remote-visible address on file.
type MutSetRemoteAddress struct{ Address []byte }

func (MutSetRemoteAddress) isFriendMutation() {}
func (m MutSetRemoteAddress) apply(fs *FriendState) { fs.RemoteAddress = m.Address }

// MutSetWantedRemoteMaxDebt records a desired SetRemoteMaxDebt op to push
// next time we hold the token.
type MutSetWantedRemoteMaxDebt struct{ MaxDebt fundertypes.Credit }

func (MutSetWantedRemoteMaxDebt) isFriendMutation() {}
func (m MutSetWantedRemoteMaxDebt) apply(fs *FriendState) { fs.WantedRemoteMaxDebt = m.MaxDebt }

// MutSetWantedLocalRequestsStatus records a desired Enable/DisableRequests
// op to push next time we hold the token.
type MutSetWantedLocalRequestsStatus struct{ Status fundertypes.RequestsStatus }

func (MutSetWantedLocalRequestsStatus) isFriendMutation() {}
func (m MutSetWantedLocalRequestsStatus) apply(fs *FriendState) {
	fs.WantedLocalRequestsStatus = m.Status
}

// MutSetStatus enables or disables the friend.
type MutSetStatus struct{ Status fundertypes.FriendStatus }

func (MutSetStatus) isFriendMutation() {}
func (m MutSetStatus) apply(fs *FriendState) { fs.Status = m.Status }

// MutSetSentLocalAddress updates the local-address announcement
// tri-state.
type MutSetSentLocalAddress struct{ Value SentLocalAddress }

func (MutSetSentLocalAddress) isFriendMutation() {}
func (m MutSetSentLocalAddress) apply(fs *FriendState) { fs.SentLocalAddress = m.Value }

// MutSetPendingRequests replaces the pending_requests queue wholesale —
// coarse-grained but fully deterministic for replay, matching how the
// Outgoing Builder drains several entries from the front in one step.
type MutSetPendingRequests struct{ Ops []fundertypes.OpRequestSendFunds }

func (MutSetPendingRequests) isFriendMutation() {}
func (m MutSetPendingRequests) apply(fs *FriendState) { fs.PendingRequests = m.Ops }

// MutSetPendingResponses replaces the pending_responses queue wholesale.
type MutSetPendingResponses struct{ Ops []ResponseOp }

func (MutSetPendingResponses) isFriendMutation() {}
func (m MutSetPendingResponses) apply(fs *FriendState) { fs.PendingResponses = m.Ops }

// MutSetPendingUserRequests replaces the pending_user_requests queue
// wholesale.
type MutSetPendingUserRequests struct{ Ops []fundertypes.OpRequestSendFunds }

func (MutSetPendingUserRequests) isFriendMutation() {}
func (m MutSetPendingUserRequests) apply(fs *FriendState) { fs.PendingUserRequests = m.Ops }

// Mutate applies a single mutation in place.
func (fs *FriendState) Mutate(m FriendMutation) { m.apply(fs) }

// EnqueuePendingRequest appends a forwarded request to pending_requests,
// returning the resulting mutation (already applied) for persistence.
func EnqueuePendingRequest(fs *FriendState, op fundertypes.OpRequestSendFunds) FriendMutation {
	next := append(append([]fundertypes.OpRequestSendFunds{}, fs.PendingRequests...), op)
	m := MutSetPendingRequests{Ops: next}
	fs.Mutate(m)
	return m
}

// EnqueuePendingResponse appends a response/failure/unsigned-response to
// pending_responses.
func EnqueuePendingResponse(fs *FriendState, op ResponseOp) FriendMutation {
	next := append(append([]ResponseOp{}, fs.PendingResponses...), op)
	m := MutSetPendingResponses{Ops: next}
	fs.Mutate(m)
	return m
}

// EnqueuePendingUserRequest appends a locally originated request to
// pending_user_requests.
func EnqueuePendingUserRequest(fs *FriendState, op fundertypes.OpRequestSendFunds) FriendMutation {
	next := append(append([]fundertypes.OpRequestSendFunds{}, fs.PendingUserRequests...), op)
	m := MutSetPendingUserRequests{Ops: next}
	fs.Mutate(m)
	return m
}

// CancelAllQueued clears every queue for this friend, used when the
// channel becomes Inconsistent or the friend goes offline — the spec's
// "cancel all queued operations for this friend". Returns the requests
// that were dropped (both forwarded and user-originated) so the caller
// can originate local failures / fail the user's request.
func CancelAllQueued(fs *FriendState) (cancelledForwarded, cancelledUser []fundertypes.OpRequestSendFunds) {
	cancelledForwarded = fs.PendingRequests
	cancelledUser = fs.PendingUserRequests
	fs.Mutate(MutSetPendingRequests{Ops: nil})
	fs.Mutate(MutSetPendingResponses{Ops: nil})
	fs.Mutate(MutSetPendingUserRequests{Ops: nil})
	return cancelledForwarded, cancelledUser
}
