// Package funderhandler implements C8: the pure reduction from an incoming
// friend message, control command, or timer tick into state mutations and
// an Outbox of messages to transmit. Grounded on htlcswitch/switch.go's
// handlePacketForward/handleLocalResponse split — one function per event
// kind, all operating on state the caller owns and persists — generalized
// from HTLC packets to MoveToken friend messages and funder control
// commands.
package funderhandler

import (
	"bytes"
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/funderstate"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/mutualcredit"
	"github.com/funder-network/funder-core/outgoing"
	"github.com/funder-network/funder-core/signing"
	"github.com/funder-network/funder-core/tokenchannel"
)

// Handler reduces events against a FunderState/Ephemeral pair it does not
// own the lifetime of — the funder loop (C9) owns both, calling one
// Handle* method per event per spec.md §5's single-threaded reducer model.
type Handler struct {
	state  *funderstate.FunderState
	eph    *funderstate.Ephemeral
	signer signing.Client

	// retransmitTicks is how many consecutive idle ticks we wait, while
	// resting after a send and awaiting a live friend's reply, before
	// re-sending our last outgoing MoveToken unprompted.
	retransmitTicks uint32
	ticksSinceSent  map[fundertypes.PublicKey]uint32
}

// New builds a Handler over state the caller continues to own.
func New(state *funderstate.FunderState, eph *funderstate.Ephemeral, signer signing.Client, retransmitTicks uint32) *Handler {
	return &Handler{
		state:           state,
		eph:             eph,
		signer:          signer,
		retransmitTicks: retransmitTicks,
		ticksSinceSent:  make(map[fundertypes.PublicKey]uint32),
	}
}

// State returns the FunderState this handler reduces against, letting the
// funder loop read back post-mutation friends and receipts for
// persistence without the handler needing any store dependency itself.
func (h *Handler) State() *funderstate.FunderState { return h.state }

// Ephemeral returns the Ephemeral this handler reduces against.
func (h *Handler) Ephemeral() *funderstate.Ephemeral { return h.eph }

func (h *Handler) applyFriend(ob *Outbox, pk fundertypes.PublicKey, inner friendstate.FriendMutation) {
	m := funderstate.MutApplyFriend{PK: pk, Inner: inner}
	h.state.Mutate(m)
	ob.Mutations = append(ob.Mutations, m)
}

func (h *Handler) applyFunder(ob *Outbox, m funderstate.FunderMutation) {
	h.state.Mutate(m)
	ob.Mutations = append(ob.Mutations, m)
}

func (h *Handler) enqueueRequestOp(ob *Outbox, pk fundertypes.PublicKey, fs *friendstate.FriendState, op fundertypes.OpRequestSendFunds) {
	next := append(append([]fundertypes.OpRequestSendFunds{}, fs.PendingRequests...), op)
	h.applyFriend(ob, pk, friendstate.MutSetPendingRequests{Ops: next})
}

func (h *Handler) enqueueUserRequestOp(ob *Outbox, pk fundertypes.PublicKey, fs *friendstate.FriendState, op fundertypes.OpRequestSendFunds) {
	next := append(append([]fundertypes.OpRequestSendFunds{}, fs.PendingUserRequests...), op)
	h.applyFriend(ob, pk, friendstate.MutSetPendingUserRequests{Ops: next})
}

func (h *Handler) enqueueResponseOp(ob *Outbox, pk fundertypes.PublicKey, fs *friendstate.FriendState, op friendstate.ResponseOp) {
	next := append(append([]friendstate.ResponseOp{}, fs.PendingResponses...), op)
	h.applyFriend(ob, pk, friendstate.MutSetPendingResponses{Ops: next})
}

// HandleFriendMessage reduces one inbound FriendMessage per spec.md §4.4.
func (h *Handler) HandleFriendMessage(remotePK fundertypes.PublicKey, msg fundertypes.FriendMessage) (*Outbox, error) {
	fs, ok := h.state.Friend(remotePK)
	if !ok {
		return nil, newErr(ErrFriendDoesNotExist, "friend %s does not exist", remotePK)
	}
	ob := &Outbox{}
	h.eph.Liveness.MessageReceived(remotePK)

	switch m := msg.(type) {
	case fundertypes.MoveTokenRequest:
		if err := h.handleMoveTokenRequest(ob, fs, remotePK, m); err != nil {
			return nil, err
		}
	case fundertypes.InconsistencyErrorMessage:
		if err := h.handleInconsistencyError(ob, fs, remotePK, m); err != nil {
			return nil, err
		}
	default:
		panic("funderhandler: unhandled FriendMessage variant")
	}
	return ob, nil
}

func (h *Handler) handleMoveTokenRequest(ob *Outbox, fs *friendstate.FriendState, remotePK fundertypes.PublicKey, req fundertypes.MoveTokenRequest) error {
	if !fs.IsConsistent() {
		return h.tryReset(ob, fs, remotePK, req)
	}

	channel, _ := fs.Channel()
	out, err := tokenchannel.SimulateReceiveMoveToken(channel, req.FriendMoveToken)
	if err != nil {
		return h.enterInconsistent(ob, fs, remotePK, err)
	}

	switch o := out.(type) {
	case tokenchannel.Duplicate:
		if req.TokenWanted {
			h.applyFriend(ob, remotePK, friendstate.MutApplyTc{Inner: tokenchannel.MutSetTokenWanted{TokenWanted: true}})
		}
		return nil
	case tokenchannel.RetransmitOutgoing:
		ob.FriendMessages = append(ob.FriendMessages, FriendMessageOut{
			PK:      remotePK,
			Message: fundertypes.MoveTokenRequest{FriendMoveToken: o.Current, TokenWanted: channel.TokenWanted()},
		})
		return nil
	case tokenchannel.MoveTokenReceived:
		return h.applyMoveTokenReceived(ob, fs, remotePK, o, req.TokenWanted)
	default:
		panic("funderhandler: unhandled ReceiveMoveTokenOutput variant")
	}
}

func (h *Handler) applyMoveTokenReceived(ob *Outbox, fs *friendstate.FriendState, remotePK fundertypes.PublicKey, o tokenchannel.MoveTokenReceived, tokenWanted bool) error {
	for _, tm := range o.Mutations {
		h.applyFriend(ob, remotePK, friendstate.MutApplyTc{Inner: tm})
	}

	if o.OptLocalAddress != nil && !bytes.Equal(o.OptLocalAddress, fs.RemoteAddress) {
		h.applyFriend(ob, remotePK, friendstate.MutSetRemoteAddress{Address: o.OptLocalAddress})
	}
	if t, ok := fs.SentLocalAddress.(friendstate.Transition); ok {
		h.applyFriend(ob, remotePK, friendstate.MutSetSentLocalAddress{Value: friendstate.LastSent{Address: t.New}})
	}

	if o.RemoteRequestsClosed {
		if err := h.cancelAndFailQueued(ob, fs, remotePK); err != nil {
			return err
		}
	}

	for _, im := range o.IncomingMessages {
		if err := h.handleIncomingMessage(ob, fs, remotePK, im); err != nil {
			return err
		}
	}

	channel, ok := fs.Channel()
	if ok && channel.IsOutgoing() {
		if tokenWanted {
			h.applyFriend(ob, remotePK, friendstate.MutApplyTc{Inner: tokenchannel.MutSetTokenWanted{TokenWanted: true}})
		}
		if err := h.buildAndSend(ob, fs, remotePK); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) handleIncomingMessage(ob *Outbox, fs *friendstate.FriendState, remotePK fundertypes.PublicKey, im mutualcredit.IncomingMessage) error {
	switch m := im.(type) {
	case mutualcredit.IncomingRequest:
		return h.forwardRequest(ob, remotePK, m.Request)
	case mutualcredit.IncomingResponse:
		return h.forwardResponse(ob, remotePK, m.PendingRequest, m.Response)
	case mutualcredit.IncomingFailure:
		return h.forwardFailure(ob, remotePK, m.PendingRequest, m.Failure)
	default:
		panic("funderhandler: unhandled IncomingMessage variant")
	}
}

// tryReset accepts a move token that exactly matches our own local reset
// terms (or, when remote's terms won the canonical tie-break, the remote
// terms we have on file), reviving the channel as Consistent.
func (h *Handler) tryReset(ob *Outbox, fs *friendstate.FriendState, remotePK fundertypes.PublicKey, req fundertypes.MoveTokenRequest) error {
	info, ok := fs.Inconsistency()
	if !ok {
		return nil
	}
	terms, known := canonicalResetTerms(h.state.LocalPK, remotePK, info)
	if !known {
		return nil
	}

	mt := req.FriendMoveToken
	if len(mt.Operations) != 0 {
		return nil
	}
	if !mt.OldToken.IsZero() {
		return nil
	}
	if mt.NewToken != terms.ResetToken {
		return nil
	}
	if mt.InconsistencyCounter != terms.InconsistencyCounter {
		return nil
	}
	if mt.Balance.Cmp(terms.BalanceForReset) != 0 {
		return nil
	}

	channel := tokenchannel.ResetFromRemote(h.state.LocalPK, remotePK, terms)
	h.applyFriend(ob, remotePK, friendstate.MutSetChannelConsistent{Channel: channel})
	return nil
}

// canonicalResetTerms picks which side's reset terms become the agreed
// terms once both sides have exchanged InconsistencyError messages. The
// lower public key (by fundertypes.PublicKey.Less, the same total order
// used elsewhere for deterministic tie-breaks) wins; ok is false only when
// the remote's key is the lower one and its terms have not arrived yet.
func canonicalResetTerms(localPK, remotePK fundertypes.PublicKey, info friendstate.ChannelInconsistent) (fundertypes.ResetTerms, bool) {
	if localPK.Less(remotePK) {
		return info.LocalResetTerms, true
	}
	if info.OptRemoteResetTerms == nil {
		return fundertypes.ResetTerms{}, false
	}
	return *info.OptRemoteResetTerms, true
}

// enterInconsistent handles any ReceiveMoveTokenError: generate fresh reset
// terms, cancel everything queued for this friend, and schedule our
// InconsistencyError reply.
func (h *Handler) enterInconsistent(ob *Outbox, fs *friendstate.FriendState, remotePK fundertypes.PublicKey, cause error) error {
	channel, ok := fs.Channel()
	if !ok {
		return nil
	}
	resetToken, err := fundertypes.NewSignature()
	if err != nil {
		return goerrors.WrapPrefix(err, "funderhandler: generating reset token", 0)
	}
	mc := channel.MutualCredit()
	terms := fundertypes.ResetTerms{
		ResetToken:           resetToken,
		InconsistencyCounter: channel.InconsistencyCounter() + 1,
		BalanceForReset:      mc.BalanceForReset(),
	}

	var optLast *fundertypes.MoveToken
	if last, ok2 := channel.LastIncomingMoveToken(); ok2 {
		lc := last
		optLast = &lc
	}

	info := friendstate.ChannelInconsistent{
		OptLastIncomingMoveToken: optLast,
		LocalResetTerms:          terms,
	}
	h.applyFriend(ob, remotePK, friendstate.MutSetChannelInconsistent{Info: info})

	if err := h.cancelAndFailQueued(ob, fs, remotePK); err != nil {
		return err
	}

	ob.FriendMessages = append(ob.FriendMessages, FriendMessageOut{
		PK:      remotePK,
		Message: fundertypes.InconsistencyErrorMessage{ResetTerms: terms},
	})

	log.Warnf("friend %s entered inconsistent state (channel %s): %v",
		remotePK, fundertypes.NewChannelID(h.state.LocalPK, remotePK), cause)
	return nil
}

// handleInconsistencyError handles the other side's InconsistencyError
// message per spec.md §4.4: a protocol violation if we still think we're
// Consistent and hold the token, otherwise a merge of their terms into
// ours (entering Inconsistent ourselves first if we hadn't already).
func (h *Handler) handleInconsistencyError(ob *Outbox, fs *friendstate.FriendState, remotePK fundertypes.PublicKey, msg fundertypes.InconsistencyErrorMessage) error {
	if fs.IsConsistent() {
		channel, _ := fs.Channel()
		if channel.IsOutgoing() {
			return newErr(ErrInconsistencyWhenTokenOwned, "friend %s reported inconsistency while we hold the token", remotePK)
		}
		if err := h.enterInconsistent(ob, fs, remotePK, errors.New("remote reported a chain inconsistency")); err != nil {
			return err
		}
	}

	info, _ := fs.Inconsistency()
	remoteTerms := msg.ResetTerms
	info.OptRemoteResetTerms = &remoteTerms
	h.applyFriend(ob, remotePK, friendstate.MutSetChannelInconsistent{Info: info})
	return nil
}

// cancelAndFailQueued drops every queued op for fs and originates failures
// for anything that had a traceable origin, mirroring
// friendstate.CancelAllQueued's three-mutation shape but routed through
// applyFriend so every step lands in the persisted mutation log.
func (h *Handler) cancelAndFailQueued(ob *Outbox, fs *friendstate.FriendState, remotePK fundertypes.PublicKey) error {
	forwarded := append([]fundertypes.OpRequestSendFunds{}, fs.PendingRequests...)
	userReqs := append([]fundertypes.OpRequestSendFunds{}, fs.PendingUserRequests...)

	h.applyFriend(ob, remotePK, friendstate.MutSetPendingRequests{Ops: nil})
	h.applyFriend(ob, remotePK, friendstate.MutSetPendingResponses{Ops: nil})
	h.applyFriend(ob, remotePK, friendstate.MutSetPendingUserRequests{Ops: nil})

	for _, req := range forwarded {
		originPK, found := h.eph.OriginIndex.Lookup(req.RequestID)
		if !found {
			ob.ControlEvents = append(ob.ControlEvents, fundertypes.ResponseReceived{
				RequestID: req.RequestID,
				Result:    fundertypes.ResultFailure{ReportingPublicKey: h.state.LocalPK},
			})
			continue
		}
		if err := h.originateFailureToOrigin(ob, originPK, req); err != nil {
			return err
		}
		h.eph.OriginIndex.Remove(req.RequestID)
	}
	for _, req := range userReqs {
		ob.ControlEvents = append(ob.ControlEvents, fundertypes.ResponseReceived{
			RequestID: req.RequestID,
			Result:    fundertypes.ResultFailure{ReportingPublicKey: h.state.LocalPK},
		})
	}
	return nil
}

// buildAndSend invokes C7 for fs and, if it produced anything, records the
// resulting mutations and queues the MoveToken for transmission.
func (h *Handler) buildAndSend(ob *Outbox, fs *friendstate.FriendState, remotePK fundertypes.PublicKey) error {
	var localAddr []byte
	if t, ok := fs.SentLocalAddress.(friendstate.Transition); ok {
		localAddr = t.New
	}

	batch, err := outgoing.Build(fs, h.signer, localAddr)
	if err != nil {
		return goerrors.WrapPrefix(err, fmt.Sprintf("funderhandler: building outgoing batch for %s", remotePK), 0)
	}
	if batch == nil {
		return nil
	}

	for _, m := range batch.FriendMutations {
		h.applyFriend(ob, remotePK, m)
	}
	h.applyFriend(ob, remotePK, friendstate.MutSetPendingResponses{Ops: batch.RemainingPendingResponses})
	h.applyFriend(ob, remotePK, friendstate.MutSetPendingUserRequests{Ops: batch.RemainingPendingUserRequests})
	h.applyFriend(ob, remotePK, friendstate.MutSetPendingRequests{Ops: batch.RemainingPendingRequests})

	channel, _ := fs.Channel()
	ob.FriendMessages = append(ob.FriendMessages, FriendMessageOut{
		PK:      remotePK,
		Message: fundertypes.MoveTokenRequest{FriendMoveToken: batch.MoveToken, TokenWanted: channel.TokenWanted()},
	})
	h.ticksSinceSent[remotePK] = 0
	return nil
}
