// Package outgoing implements C7: the per-friend outgoing move-token
// builder. Grounded on htlcswitch/switch.go's packet-batching loop (drain
// queued work up to a cap, stop on the first entry the downstream link
// rejects), generalized from forwarding HTLC packets to draining a
// friend's three FIFO queues into one signed MoveToken.
package outgoing

import (
	"errors"
	"fmt"

	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/mutualcredit"
	"github.com/funder-network/funder-core/signing"
	"github.com/funder-network/funder-core/tokenchannel"
)

// ErrChannelInconsistent is returned when asked to build a batch for a
// friend whose channel is not Consistent.
var ErrChannelInconsistent = errors.New("outgoing: channel is inconsistent")

// ErrNotOutgoing is returned when asked to build a batch while the token
// channel direction is Incoming (we don't hold the token).
var ErrNotOutgoing = errors.New("outgoing: friend does not currently hold the token")

// Batch is the non-mutating result of draining a friend's queues into a
// MoveToken. The caller applies FriendMutations (in order) then replaces
// each queue with its Remaining* slice before persisting.
type Batch struct {
	MoveToken fundertypes.MoveToken

	FriendMutations []friendstate.FriendMutation

	RemainingPendingResponses    []friendstate.ResponseOp
	RemainingPendingUserRequests []fundertypes.OpRequestSendFunds
	RemainingPendingRequests     []fundertypes.OpRequestSendFunds
}

// Build drains fs's queues per spec.md §4.3: any pending wanted_* changes
// first, then pending_responses, then pending_user_requests, then
// pending_requests, up to tokenchannel.MaxOperationsInBatch or until C1
// would reject the next op. Returns (nil, nil) when there is nothing to
// send and the peer has not asked for the token back (the idle case).
func Build(fs *friendstate.FriendState, signer signing.Client, optLocalAddress []byte) (*Batch, error) {
	channel, ok := fs.Channel()
	if !ok {
		return nil, ErrChannelInconsistent
	}
	if !channel.IsOutgoing() {
		return nil, ErrNotOutgoing
	}
	mc := channel.MutualCredit()

	wantedOps := wantedOps(fs, mc)

	responseOps, err := buildResponseOps(fs.PendingResponses, signer)
	if err != nil {
		return nil, fmt.Errorf("outgoing: signing queued responses: %w", err)
	}

	userReqOps := make([]fundertypes.FriendTcOp, 0, len(fs.PendingUserRequests))
	for _, r := range fs.PendingUserRequests {
		userReqOps = append(userReqOps, r)
	}

	reqOps := make([]fundertypes.FriendTcOp, 0, len(fs.PendingRequests))
	for _, r := range fs.PendingRequests {
		reqOps = append(reqOps, r)
	}

	candidate := make([]fundertypes.FriendTcOp, 0, len(wantedOps)+len(responseOps)+len(userReqOps)+len(reqOps))
	candidate = append(candidate, wantedOps...)
	candidate = append(candidate, responseOps...)
	candidate = append(candidate, userReqOps...)
	candidate = append(candidate, reqOps...)

	if len(candidate) == 0 && !channel.TokenWanted() {
		return nil, nil
	}

	newToken, consumed, tcMutations, err := tokenchannel.CreateOutgoingMoveToken(channel, candidate, optLocalAddress, signer)
	if err != nil {
		return nil, fmt.Errorf("outgoing: building move token: %w", err)
	}

	consumedWanted := min(consumed, len(wantedOps))
	remaining := consumed - consumedWanted
	consumedResponses := min(remaining, len(responseOps))
	remaining -= consumedResponses
	consumedUserRequests := min(remaining, len(userReqOps))
	remaining -= consumedUserRequests
	consumedRequests := min(remaining, len(reqOps))

	friendMutations := make([]friendstate.FriendMutation, 0, len(tcMutations))
	for _, m := range tcMutations {
		friendMutations = append(friendMutations, friendstate.MutApplyTc{Inner: m})
	}

	return &Batch{
		MoveToken:                    newToken,
		FriendMutations:              friendMutations,
		RemainingPendingResponses:    append([]friendstate.ResponseOp{}, fs.PendingResponses[consumedResponses:]...),
		RemainingPendingUserRequests: append([]fundertypes.OpRequestSendFunds{}, fs.PendingUserRequests[consumedUserRequests:]...),
		RemainingPendingRequests:     append([]fundertypes.OpRequestSendFunds{}, fs.PendingRequests[consumedRequests:]...),
	}, nil
}

// wantedOps compares fs's desired wanted_* fields against the channel's
// current committed state, producing the ops needed to converge — always
// placed first in the batch per spec.md §4.3.
func wantedOps(fs *friendstate.FriendState, mc *mutualcredit.MutualCredit) []fundertypes.FriendTcOp {
	var ops []fundertypes.FriendTcOp
	if fs.WantedRemoteMaxDebt.Cmp(mc.RemoteMaxDebt()) != 0 {
		ops = append(ops, fundertypes.OpSetRemoteMaxDebt{MaxDebt: fs.WantedRemoteMaxDebt})
	}
	if fs.WantedLocalRequestsStatus != mc.LocalRequestsStatus() {
		if fs.WantedLocalRequestsStatus == fundertypes.RequestsOpen {
			ops = append(ops, fundertypes.OpEnableRequests{})
		} else {
			ops = append(ops, fundertypes.OpDisableRequests{})
		}
	}
	return ops
}

// buildResponseOps converts the pending_responses queue into FriendTcOps,
// requesting a signature from the identity service for every
// ResponseOpUnsigned entry — we are the destination acknowledging a
// payment completed, so we sign over our own response buffer.
func buildResponseOps(queue []friendstate.ResponseOp, signer signing.Client) ([]fundertypes.FriendTcOp, error) {
	ops := make([]fundertypes.FriendTcOp, 0, len(queue))
	for _, entry := range queue {
		switch e := entry.(type) {
		case friendstate.ResponseOpSigned:
			ops = append(ops, e.Op)
		case friendstate.ResponseOpFailure:
			ops = append(ops, e.Op)
		case friendstate.ResponseOpUnsigned:
			op, err := signUnsignedResponse(e.Request, signer)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		default:
			panic("unhandled ResponseOp variant")
		}
	}
	return ops, nil
}

func signUnsignedResponse(pending fundertypes.PendingRequest, signer signing.Client) (fundertypes.OpResponseSendFunds, error) {
	randNonce, err := fundertypes.NewRandValue()
	if err != nil {
		return fundertypes.OpResponseSendFunds{}, fmt.Errorf("outgoing: rand nonce: %w", err)
	}
	buf := fundertypes.ResponseSignatureBuffer(pending.RequestID, pending.Route, randNonce, pending.DestPayment, pending.InvoiceID)
	sig, err := signer.RequestSignature(buf)
	if err != nil {
		return fundertypes.OpResponseSendFunds{}, fmt.Errorf("outgoing: requesting response signature: %w", err)
	}
	return fundertypes.OpResponseSendFunds{
		RequestID: pending.RequestID,
		RandNonce: randNonce,
		Signature: sig,
	}, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
