package funderhandler

import (
	"fmt"

	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/funderstate"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/tokenchannel"
)

// HandleControlCommand reduces one inbound ControlCommand per spec.md
// §4.4 and §6. A HandlerError leaves state untouched; any other error is
// a caller-facing failure the funder loop should log and move past.
func (h *Handler) HandleControlCommand(cmd fundertypes.ControlCommand) (*Outbox, error) {
	ob := &Outbox{}

	switch c := cmd.(type) {
	case fundertypes.AddFriend:
		if _, ok := h.state.Friend(c.PublicKey); ok {
			return ob, nil
		}
		h.applyFunder(ob, funderstate.MutAddFriend{PK: c.PublicKey, Address: c.Address})
		h.eph.Liveness.Track(c.PublicKey)

	case fundertypes.RemoveFriend:
		if _, ok := h.state.Friend(c.PublicKey); !ok {
			return nil, newErr(ErrFriendDoesNotExist, "friend %s does not exist", c.PublicKey)
		}
		h.applyFunder(ob, funderstate.MutRemoveFriend{PK: c.PublicKey})
		h.eph.Liveness.Untrack(c.PublicKey)
		h.eph.OriginIndex.Rebuild(h.state)
		delete(h.ticksSinceSent, c.PublicKey)

	case fundertypes.SetFriendStatus:
		if _, ok := h.state.Friend(c.PublicKey); !ok {
			return nil, newErr(ErrFriendDoesNotExist, "friend %s does not exist", c.PublicKey)
		}
		h.applyFriend(ob, c.PublicKey, friendstate.MutSetStatus{Status: c.Status})

	case fundertypes.SetFriendRemoteMaxDebt:
		fs, ok := h.state.Friend(c.PublicKey)
		if !ok {
			return nil, newErr(ErrFriendDoesNotExist, "friend %s does not exist", c.PublicKey)
		}
		h.applyFriend(ob, c.PublicKey, friendstate.MutSetWantedRemoteMaxDebt{MaxDebt: c.MaxDebt})
		if channel, ok2 := fs.Channel(); ok2 && channel.IsOutgoing() {
			if err := h.buildAndSend(ob, fs, c.PublicKey); err != nil {
				return nil, err
			}
		}

	case fundertypes.SetFriendAddr:
		if _, ok := h.state.Friend(c.PublicKey); !ok {
			return nil, newErr(ErrFriendDoesNotExist, "friend %s does not exist", c.PublicKey)
		}
		h.applyFriend(ob, c.PublicKey, friendstate.MutSetRemoteAddress{Address: c.Address})

	case fundertypes.ResetFriendChannel:
		if err := h.handleResetFriendChannel(ob, c.PublicKey); err != nil {
			return nil, err
		}

	case fundertypes.RequestSendFundsCommand:
		if err := h.handleRequestSendFunds(ob, c); err != nil {
			return nil, err
		}

	case fundertypes.ReceiptAck:
		h.applyFunder(ob, funderstate.MutRemoveReceipt{RequestID: c.RequestID})

	default:
		panic("funderhandler: unhandled ControlCommand variant")
	}
	return ob, nil
}

func (h *Handler) handleRequestSendFunds(ob *Outbox, c fundertypes.RequestSendFundsCommand) error {
	if c.Route.Len() < 2 {
		return fmt.Errorf("funderhandler: route %s has fewer than two hops", c.RequestID)
	}
	firstHop := c.Route.PKAt(1)
	fs, ok := h.state.Friend(firstHop)
	if !ok {
		return newErr(ErrFriendDoesNotExist, "first hop %s does not exist", firstHop)
	}
	if len(fs.PendingUserRequests) >= friendstate.MaxQueuedOps {
		return fmt.Errorf("funderhandler: too many pending requests queued for %s", firstHop)
	}

	req := fundertypes.OpRequestSendFunds{
		RequestID:   c.RequestID,
		Route:       c.Route,
		DestPayment: c.DestPayment,
		InvoiceID:   c.InvoiceID,
	}
	h.enqueueUserRequestOp(ob, firstHop, fs, req)

	if channel, ok2 := fs.Channel(); ok2 && channel.IsOutgoing() {
		if err := h.buildAndSend(ob, fs, firstHop); err != nil {
			return err
		}
	}
	return nil
}

// handleResetFriendChannel requires both sides' reset terms to be on
// file, then revives the channel Consistent with the canonical side's
// terms via TokenChannel::reset_from_local.
func (h *Handler) handleResetFriendChannel(ob *Outbox, pk fundertypes.PublicKey) error {
	fs, ok := h.state.Friend(pk)
	if !ok {
		return newErr(ErrFriendDoesNotExist, "friend %s does not exist", pk)
	}
	info, ok := fs.Inconsistency()
	if !ok {
		return fmt.Errorf("funderhandler: friend %s channel is not inconsistent", pk)
	}
	if info.OptRemoteResetTerms == nil {
		return fmt.Errorf("funderhandler: remote reset terms for %s are not yet known", pk)
	}
	terms, _ := canonicalResetTerms(h.state.LocalPK, pk, info)

	channel := tokenchannel.ResetFromLocal(h.state.LocalPK, pk, terms, info.OptLastIncomingMoveToken)
	h.applyFriend(ob, pk, friendstate.MutSetChannelConsistent{Channel: channel})

	mt, ok := channel.MoveTokenOut()
	if !ok {
		return fmt.Errorf("funderhandler: reset channel for %s did not produce an outgoing move token", pk)
	}
	ob.FriendMessages = append(ob.FriendMessages, FriendMessageOut{
		PK:      pk,
		Message: fundertypes.MoveTokenRequest{FriendMoveToken: mt, TokenWanted: false},
	})
	return nil
}
