package friendstate

import (
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/tokenchannel"
)

// addressState discriminates the three SentLocalAddress variants in a
// flat, storage-friendly form.
type addressState int

const (
	addrNeverSent addressState = iota
	addrLastSent
	addrTransition
)

// responseOpKind discriminates the three ResponseOp variants in a flat,
// storage-friendly form.
type responseOpKind int

const (
	responseOpSigned responseOpKind = iota
	responseOpFailure
	responseOpUnsigned
)

// ResponseOpSnapshot is a flat mirror of one queued ResponseOp.
type ResponseOpSnapshot struct {
	Kind     responseOpKind
	Signed   fundertypes.OpResponseSendFunds
	Failure  fundertypes.OpFailureSendFunds
	Unsigned fundertypes.PendingRequest
}

func snapshotResponseOp(op ResponseOp) ResponseOpSnapshot {
	switch o := op.(type) {
	case ResponseOpSigned:
		return ResponseOpSnapshot{Kind: responseOpSigned, Signed: o.Op}
	case ResponseOpFailure:
		return ResponseOpSnapshot{Kind: responseOpFailure, Failure: o.Op}
	case ResponseOpUnsigned:
		return ResponseOpSnapshot{Kind: responseOpUnsigned, Unsigned: o.Request}
	default:
		panic("friendstate: unhandled ResponseOp variant in snapshot")
	}
}

func (s ResponseOpSnapshot) restore() ResponseOp {
	switch s.Kind {
	case responseOpSigned:
		return ResponseOpSigned{Op: s.Signed}
	case responseOpFailure:
		return ResponseOpFailure{Op: s.Failure}
	case responseOpUnsigned:
		return ResponseOpUnsigned{Request: s.Unsigned}
	default:
		panic("friendstate: unhandled ResponseOpSnapshot kind on restore")
	}
}

// Snapshot is a flat, fully exported mirror of FriendState, resolving
// both of its sum types (ChannelStatus, SentLocalAddress) to an explicit
// discriminant plus payload — the same way channeldb.OpenChannel flattens
// IsPending alongside the fields that are only valid in one of its two
// states.
type Snapshot struct {
	LocalPK  fundertypes.PublicKey
	RemotePK fundertypes.PublicKey

	RemoteAddress []byte

	Consistent   bool
	Channel      tokenchannel.Snapshot
	Inconsistent ChannelInconsistent

	WantedRemoteMaxDebt       fundertypes.Credit
	WantedLocalRequestsStatus fundertypes.RequestsStatus

	PendingRequests     []fundertypes.OpRequestSendFunds
	PendingResponses    []ResponseOpSnapshot
	PendingUserRequests []fundertypes.OpRequestSendFunds

	Status fundertypes.FriendStatus

	AddressState    addressState
	SentAddress     []byte
	PreviousAddress []byte
}

// TakeSnapshot exports fs's complete state for persistence.
func (fs *FriendState) TakeSnapshot() Snapshot {
	s := Snapshot{
		LocalPK:                   fs.LocalPK,
		RemotePK:                  fs.RemotePK,
		RemoteAddress:             fs.RemoteAddress,
		WantedRemoteMaxDebt:       fs.WantedRemoteMaxDebt,
		WantedLocalRequestsStatus: fs.WantedLocalRequestsStatus,
		PendingRequests:           fs.PendingRequests,
		PendingUserRequests:       fs.PendingUserRequests,
		Status:                    fs.Status,
	}

	if channel, ok := fs.Channel(); ok {
		s.Consistent = true
		s.Channel = channel.TakeSnapshot()
	} else {
		info, _ := fs.Inconsistency()
		s.Inconsistent = info
	}

	for _, op := range fs.PendingResponses {
		s.PendingResponses = append(s.PendingResponses, snapshotResponseOp(op))
	}

	switch a := fs.SentLocalAddress.(type) {
	case NeverSent:
		s.AddressState = addrNeverSent
	case LastSent:
		s.AddressState = addrLastSent
		s.SentAddress = a.Address
	case Transition:
		s.AddressState = addrTransition
		s.SentAddress = a.New
		s.PreviousAddress = a.Previous
	default:
		panic("friendstate: unhandled SentLocalAddress variant in snapshot")
	}

	return s
}

// FromSnapshot rebuilds a FriendState exactly as TakeSnapshot captured it.
func FromSnapshot(s Snapshot) *FriendState {
	fs := &FriendState{
		LocalPK:                   s.LocalPK,
		RemotePK:                  s.RemotePK,
		RemoteAddress:             s.RemoteAddress,
		WantedRemoteMaxDebt:       s.WantedRemoteMaxDebt,
		WantedLocalRequestsStatus: s.WantedLocalRequestsStatus,
		PendingRequests:           s.PendingRequests,
		PendingUserRequests:       s.PendingUserRequests,
		Status:                    s.Status,
	}

	if s.Consistent {
		fs.ChannelStatus = StatusConsistent{Channel: tokenchannel.FromSnapshot(s.Channel)}
	} else {
		fs.ChannelStatus = StatusInconsistent{Info: s.Inconsistent}
	}

	for _, ro := range s.PendingResponses {
		fs.PendingResponses = append(fs.PendingResponses, ro.restore())
	}

	switch s.AddressState {
	case addrNeverSent:
		fs.SentLocalAddress = NeverSent{}
	case addrLastSent:
		fs.SentLocalAddress = LastSent{Address: s.SentAddress}
	case addrTransition:
		fs.SentLocalAddress = Transition{New: s.SentAddress, Previous: s.PreviousAddress}
	default:
		panic("friendstate: unhandled addressState on restore")
	}

	return fs
}
