package funderhandler

import (
	goerrors "github.com/go-errors/errors"
	"github.com/funder-network/funder-core/freezeguard"
	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/funderstate"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/mutualcredit"
)

// forwardRequest handles one IncomingRequest surfaced while applying a
// received MoveToken, per spec.md §4.4's forwarding logic.
func (h *Handler) forwardRequest(ob *Outbox, remotePK fundertypes.PublicKey, req fundertypes.OpRequestSendFunds) error {
	idx := req.Route.FindPKPair(remotePK, h.state.LocalPK)
	if idx < 0 {
		log.Warnf("funderhandler: request %s forwarded by %s does not place us next on its route, dropping", req.RequestID, remotePK)
		return nil
	}
	myIndex := idx + 1

	if myIndex == req.Route.Len()-1 {
		originFS, ok := h.state.Friend(remotePK)
		if !ok {
			return nil
		}
		pending := fundertypes.CreatePendingRequest(req)
		h.enqueueResponseOp(ob, remotePK, originFS, friendstate.ResponseOpUnsigned{Request: pending})
		return nil
	}

	nextPK := req.Route.PKAt(myIndex + 1)
	nextFS, ok := h.state.Friend(nextPK)
	if !ok || !h.eph.Liveness.IsOnline(nextPK) {
		return h.originateFailureToOrigin(ob, remotePK, req)
	}

	nextMc := func() *mutualcredit.MutualCredit {
		channel, ok := nextFS.Channel()
		if !ok {
			return nil
		}
		return channel.MutualCredit()
	}()
	if nextMc == nil {
		return h.originateFailureToOrigin(ob, remotePK, req)
	}

	link := fundertypes.FreezeLink{
		SharedCredits: nextMc.RemoteMaxDebt(),
		UsableRatio:   usableRatioFor(nextMc),
	}
	freezeLinks := append(append([]fundertypes.FreezeLink{}, req.FreezeLinks...), link)

	if !freezeguard.VerifyFreezingLinks(h.eph.FreezeGuard, req.Route, req.DestPayment, freezeLinks, nextPK) {
		return h.originateFailureToOrigin(ob, remotePK, req)
	}

	for _, m := range freezeguard.Add(h.eph.FreezeGuard, req.Route, req.DestPayment, myIndex, nextPK) {
		ob.recordFreezeGuard(m)
	}
	h.eph.OriginIndex.Set(req.RequestID, remotePK)

	forwarded := req
	forwarded.FreezeLinks = freezeLinks
	h.enqueueRequestOp(ob, nextPK, nextFS, forwarded)
	return nil
}

// forwardResponse handles one IncomingResponse: unfreeze our link and
// either settle the payment (we are the payer) or relay the response
// toward whoever we forwarded the original request for.
func (h *Handler) forwardResponse(ob *Outbox, remotePK fundertypes.PublicKey, pending fundertypes.PendingRequest, resp fundertypes.OpResponseSendFunds) error {
	originPK, found := h.eph.OriginIndex.Lookup(pending.RequestID)
	myIndex := myRouteIndex(pending.Route, h.state.LocalPK, originPK, found)
	for _, m := range freezeguard.Sub(h.eph.FreezeGuard, pending.Route, pending.DestPayment, myIndex, remotePK) {
		ob.recordFreezeGuard(m)
	}

	if !found {
		receipt := fundertypes.BuildReceipt(pending.RequestID, pending.Route, resp.RandNonce, pending, resp.Signature)
		h.applyFunder(ob, funderstate.MutSetReceipt{RequestID: pending.RequestID, Receipt: receipt})
		ob.ControlEvents = append(ob.ControlEvents, fundertypes.ResponseReceived{
			RequestID: pending.RequestID,
			Result:    fundertypes.ResultSuccess{Receipt: receipt},
		})
		return nil
	}
	h.eph.OriginIndex.Remove(pending.RequestID)

	originFS, ok := h.state.Friend(originPK)
	if !ok {
		return nil
	}
	h.enqueueResponseOp(ob, originPK, originFS, friendstate.ResponseOpSigned{Op: resp})
	return nil
}

// forwardFailure mirrors forwardResponse for the failure case.
func (h *Handler) forwardFailure(ob *Outbox, remotePK fundertypes.PublicKey, pending fundertypes.PendingRequest, fail fundertypes.OpFailureSendFunds) error {
	originPK, found := h.eph.OriginIndex.Lookup(pending.RequestID)
	myIndex := myRouteIndex(pending.Route, h.state.LocalPK, originPK, found)
	for _, m := range freezeguard.Sub(h.eph.FreezeGuard, pending.Route, pending.DestPayment, myIndex, remotePK) {
		ob.recordFreezeGuard(m)
	}

	if !found {
		ob.ControlEvents = append(ob.ControlEvents, fundertypes.ResponseReceived{
			RequestID: pending.RequestID,
			Result:    fundertypes.ResultFailure{ReportingPublicKey: fail.ReportingPublicKey},
		})
		return nil
	}
	h.eph.OriginIndex.Remove(pending.RequestID)

	originFS, ok := h.state.Friend(originPK)
	if !ok {
		return nil
	}
	h.enqueueResponseOp(ob, originPK, originFS, friendstate.ResponseOpFailure{Op: fail})
	return nil
}

// originateFailureToOrigin builds and signs a FailureSendFunds reporting
// us as the failing hop, enqueueing it into originPK's pending_responses.
func (h *Handler) originateFailureToOrigin(ob *Outbox, originPK fundertypes.PublicKey, req fundertypes.OpRequestSendFunds) error {
	originFS, ok := h.state.Friend(originPK)
	if !ok {
		return nil
	}
	randNonce, err := fundertypes.NewRandValue()
	if err != nil {
		return goerrors.WrapPrefix(err, "funderhandler: rand nonce", 0)
	}
	buf := fundertypes.FailureSignatureBuffer(req.RequestID, req.Route, req.DestPayment, req.InvoiceID, h.state.LocalPK, randNonce)
	sig, err := h.signer.RequestSignature(buf)
	if err != nil {
		return goerrors.WrapPrefix(err, "funderhandler: requesting failure signature", 0)
	}
	op := fundertypes.OpFailureSendFunds{
		RequestID:          req.RequestID,
		ReportingPublicKey: h.state.LocalPK,
		RandNonce:          randNonce,
		Signature:          sig,
	}
	h.enqueueResponseOp(ob, originPK, originFS, friendstate.ResponseOpFailure{Op: op})
	return nil
}

// myRouteIndex recomputes the route index we occupied when we originally
// froze credit for this request, matching whatever index forwardRequest
// used. The payer (no origin on file) sits at index 0; everyone else sits
// one past the friend who handed them the request.
func myRouteIndex(route fundertypes.Route, localPK, originPK fundertypes.PublicKey, foundOrigin bool) int {
	if !foundOrigin {
		return 0
	}
	idx := route.FindPKPair(originPK, localPK)
	if idx < 0 {
		return 0
	}
	return idx + 1
}

// usableRatioFor models how much of the credit we extend to next hop is
// presently free. Spec.md leaves the exact formula to node policy (as it
// already does for CreditCalculator's fee schedule); we use a simple
// binary model — full capacity while there is any room left to extend,
// zero once we've exhausted our own limit — which keeps
// FreezeGuard.VerifyFreezingLinks' monotone product well-defined without
// committing to an undocumented proportional curve.
func usableRatioFor(mc *mutualcredit.MutualCredit) fundertypes.UsableRatio {
	maxDebt := mc.RemoteMaxDebt()
	if maxDebt.IsZero() {
		return fundertypes.UsableRatioOne
	}
	room, err := maxDebt.Signed().Sub(mc.Balance())
	if err != nil {
		return fundertypes.NewUsableRatioNumerator(0)
	}
	room, err = room.Sub(mc.RemotePendingDebt().Signed())
	if err != nil {
		return fundertypes.NewUsableRatioNumerator(0)
	}
	if room.Cmp(fundertypes.NewSignedCredit(0)) <= 0 {
		return fundertypes.NewUsableRatioNumerator(0)
	}
	return fundertypes.UsableRatioOne
}
