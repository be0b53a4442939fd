package mutualcredit

import (
	"crypto/subtle"

	"github.com/funder-network/funder-core/fundertypes"
	"golang.org/x/crypto/blake2b"
)

// IncomingMessage is the closed sum of user-visible effects a single
// operation produces when it is being processed as *received* from the
// remote side (is_incoming == true). Operations applied locally while
// assembling our own outgoing batch never produce one.
type IncomingMessage interface {
	isIncomingMessage()
}

// IncomingRequest signals that remote forwarded a new request to us.
type IncomingRequest struct {
	Request fundertypes.OpRequestSendFunds
}

func (IncomingRequest) isIncomingMessage() {}

// IncomingResponse signals that remote acknowledged a request completed,
// carrying the PendingRequest it matched so the caller can build a
// receipt or forward it onward.
type IncomingResponse struct {
	PendingRequest fundertypes.PendingRequest
	Response       fundertypes.OpResponseSendFunds
}

func (IncomingResponse) isIncomingMessage() {}

// IncomingFailure signals that remote reported a request could not be
// completed.
type IncomingFailure struct {
	PendingRequest fundertypes.PendingRequest
	Failure        fundertypes.OpFailureSendFunds
}

func (IncomingFailure) isIncomingMessage() {}

// ProcessOperationOutput bundles the mutations a single operation
// produced with the (optional) IncomingMessage it surfaces.
type ProcessOperationOutput struct {
	IncomingMessage IncomingMessage // nil unless isIncoming and op warrants one
	Mutations       []McMutation
}

// ProcessOperation applies a single FriendTcOp against mc, returning the
// mutations that would realize the effect (already reflected into mc by
// the time this returns, mirroring the teacher's in-place apply-then-log
// pattern in lnwallet's HTLC application) or an *OpError if the op is
// invalid, in which case mc is left untouched.
func ProcessOperation(mc *MutualCredit, op fundertypes.FriendTcOp, isIncoming bool) (ProcessOperationOutput, error) {
	switch o := op.(type) {
	case fundertypes.OpEnableRequests:
		return processSetRequestsStatus(mc, isIncoming, fundertypes.RequestsOpen), nil
	case fundertypes.OpDisableRequests:
		return processSetRequestsStatus(mc, isIncoming, fundertypes.RequestsClosed), nil
	case fundertypes.OpSetRemoteMaxDebt:
		return processSetMaxDebt(mc, isIncoming, o.MaxDebt)
	case fundertypes.OpRequestSendFunds:
		return processRequestSendFunds(mc, isIncoming, o)
	case fundertypes.OpResponseSendFunds:
		return processResponseSendFunds(mc, isIncoming, o)
	case fundertypes.OpFailureSendFunds:
		return processFailureSendFunds(mc, isIncoming, o)
	default:
		panic("unhandled FriendTcOp variant")
	}
}

// processSetRequestsStatus implements EnableRequests/DisableRequests: the
// op always announces the SENDER's own status. Applying it to ourselves
// before we send it (isIncoming == false) sets our local_requests_status;
// receiving it from remote (isIncoming == true) records it as remote's
// announced status.
func processSetRequestsStatus(mc *MutualCredit, isIncoming bool, status fundertypes.RequestsStatus) ProcessOperationOutput {
	var mutation McMutation
	if isIncoming {
		mutation = MutSetRemoteRequestsStatus{Status: status}
	} else {
		mutation = MutSetLocalRequestsStatus{Status: status}
	}
	mutation.apply(mc)
	return ProcessOperationOutput{Mutations: []McMutation{mutation}}
}

// processSetMaxDebt implements SetRemoteMaxDebt: the op is named from the
// sender's perspective ("I set the max debt I extend to the other
// side"). Applied to ourselves before sending (isIncoming == false) it
// sets OUR remote_max_debt (how much we trust remote); received from
// remote (isIncoming == true) it sets OUR local_max_debt (how much remote
// trusts us), per spec.md §4.1's "set the other side's max_debt".
func processSetMaxDebt(mc *MutualCredit, isIncoming bool, maxDebt fundertypes.Credit) (ProcessOperationOutput, error) {
	if isIncoming {
		if maxDebt.Cmp(mc.localPendingDebt) < 0 {
			return ProcessOperationOutput{}, newOpErr(ErrInsufficientTrust, "new local max debt below local pending debt")
		}
		m := MutSetLocalMaxDebt{MaxDebt: maxDebt}
		m.apply(mc)
		return ProcessOperationOutput{Mutations: []McMutation{m}}, nil
	}
	if maxDebt.Cmp(mc.remotePendingDebt) < 0 {
		return ProcessOperationOutput{}, newOpErr(ErrInsufficientTrust, "new remote max debt below remote pending debt")
	}
	m := MutSetRemoteMaxDebt{MaxDebt: maxDebt}
	m.apply(mc)
	return ProcessOperationOutput{Mutations: []McMutation{m}}, nil
}

// processRequestSendFunds implements RequestSendFunds: the request's
// "receiving side" (whose requests_status must be Open) is local when
// isIncoming (remote forwarded to us) and remote when !isIncoming (we are
// forwarding outward ourselves); the sending side's pending debt grows by
// the freeze amount.
func processRequestSendFunds(mc *MutualCredit, isIncoming bool, req fundertypes.OpRequestSendFunds) (ProcessOperationOutput, error) {
	if _, exists := mc.pendingLocalRequests[req.RequestID]; exists {
		return ProcessOperationOutput{}, newOpErr(ErrDuplicateRequest, "request id already pending locally")
	}
	if _, exists := mc.pendingRemoteRequests[req.RequestID]; exists {
		return ProcessOperationOutput{}, newOpErr(ErrDuplicateRequest, "request id already pending remotely")
	}

	index := req.Route.IndexOf(mc.idents.LocalPK)
	calc := fundertypes.NewCreditCalculator(req.Route, req.DestPayment)
	var freezeAmount fundertypes.Credit
	var err error
	if index >= 0 {
		freezeAmount, err = calc.FreezeAmount(index)
	} else {
		freezeAmount, err = req.DestPayment, nil
	}
	if err != nil {
		return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "freeze amount overflow")
	}

	pending := fundertypes.CreatePendingRequest(req)

	if isIncoming {
		if mc.localRequestsStatus != fundertypes.RequestsOpen {
			return ProcessOperationOutput{}, newOpErr(ErrRequestsClosed, "local requests closed")
		}
		if freezeAmount.Signed().Cmp(mc.availableRemoteSendCredit()) > 0 {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "remote send credit exceeded")
		}
		newDebt, err := mc.remotePendingDebt.Add(freezeAmount)
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "remote pending debt overflow")
		}
		mDebt := MutSetRemotePendingDebt{Debt: newDebt}
		mDebt.apply(mc)
		mIns := MutInsertRemotePendingRequest{Request: pending}
		mIns.apply(mc)
		return ProcessOperationOutput{
			IncomingMessage: IncomingRequest{Request: req},
			Mutations:       []McMutation{mDebt, mIns},
		}, nil
	}

	if mc.remoteRequestsStatus != fundertypes.RequestsOpen {
		return ProcessOperationOutput{}, newOpErr(ErrRequestsClosed, "remote requests closed")
	}
	if freezeAmount.Signed().Cmp(mc.availableLocalSendCredit()) > 0 {
		return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "local send credit exceeded")
	}
	newDebt, err := mc.localPendingDebt.Add(freezeAmount)
	if err != nil {
		return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "local pending debt overflow")
	}
	mDebt := MutSetLocalPendingDebt{Debt: newDebt}
	mDebt.apply(mc)
	mIns := MutInsertLocalPendingRequest{Request: pending}
	mIns.apply(mc)
	return ProcessOperationOutput{Mutations: []McMutation{mDebt, mIns}}, nil
}

// lookupPending finds a pending request in either map, since the two maps
// are disjoint by the Uid-uniqueness invariant (spec.md §3).
func lookupPending(mc *MutualCredit, uid fundertypes.Uid) (fundertypes.PendingRequest, bool, bool) {
	if pr, ok := mc.pendingLocalRequests[uid]; ok {
		return pr, true, true
	}
	if pr, ok := mc.pendingRemoteRequests[uid]; ok {
		return pr, false, true
	}
	return fundertypes.PendingRequest{}, false, false
}

// freezeAmountAt recomputes the amount this node froze at request time —
// dest_payment plus fees_along_remaining_route from this node's own
// position on the route, per spec.md §4.1 — so a later response or failure
// can release exactly what processRequestSendFunds put on hold, regardless
// of which node reports or how far the route continues beyond us.
func freezeAmountAt(mc *MutualCredit, route fundertypes.Route, destPayment fundertypes.Credit) (fundertypes.Credit, error) {
	index := route.IndexOf(mc.idents.LocalPK)
	if index < 0 {
		return destPayment, nil
	}
	return fundertypes.NewCreditCalculator(route, destPayment).FreezeAmount(index)
}

// processResponseSendFunds implements ResponseSendFunds: credits move
// destination→origin. On this single channel, a response completing a
// request this side *originated forwarding* (found in
// pendingLocalRequests) means remote is downstream of local toward the
// destination, so local's balance decreases (local now owes remote for
// having routed the payment onward); a response completing a request
// this side *received from remote and is relaying further* (found in
// pendingRemoteRequests) means remote is upstream (closer to the payer),
// so local's balance increases. Success settles the full amount frozen at
// request time — dest_payment plus this node's fees_along_remaining_route
// — not just dest_payment, so no fee is ever left frozen forever.
func processResponseSendFunds(mc *MutualCredit, isIncoming bool, resp fundertypes.OpResponseSendFunds) (ProcessOperationOutput, error) {
	pending, foundLocal, ok := lookupPending(mc, resp.RequestID)
	if !ok {
		return ProcessOperationOutput{}, newOpErr(ErrRequestDoesNotExist, "response for unknown request id")
	}

	sigBuf := fundertypes.ResponseSignatureBuffer(resp.RequestID, pending.Route, resp.RandNonce, pending.DestPayment, pending.InvoiceID)
	destPK := pending.Route.PKAt(pending.Route.Len() - 1)
	if !VerifySignature(destPK, sigBuf, resp.Signature) {
		return ProcessOperationOutput{}, newOpErr(ErrInvalidSignature, "invalid response signature")
	}

	freezeAmount, err := freezeAmountAt(mc, pending.Route, pending.DestPayment)
	if err != nil {
		return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "freeze amount overflow")
	}

	mutations := make([]McMutation, 0, 3)

	if foundLocal {
		newDebt, err := mc.localPendingDebt.Sub(freezeAmount)
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "local pending debt underflow")
		}
		newBalance, err := mc.balance.Sub(freezeAmount.Signed())
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "balance underflow")
		}
		mDebt := MutSetLocalPendingDebt{Debt: newDebt}
		mDebt.apply(mc)
		mBal := MutSetBalance{Balance: newBalance}
		mBal.apply(mc)
		mRem := MutRemoveLocalPendingRequest{RequestID: resp.RequestID}
		mRem.apply(mc)
		mutations = append(mutations, mDebt, mBal, mRem)
	} else {
		newDebt, err := mc.remotePendingDebt.Sub(freezeAmount)
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "remote pending debt underflow")
		}
		newBalance, err := mc.balance.Add(freezeAmount.Signed())
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "balance overflow")
		}
		mDebt := MutSetRemotePendingDebt{Debt: newDebt}
		mDebt.apply(mc)
		mBal := MutSetBalance{Balance: newBalance}
		mBal.apply(mc)
		mRem := MutRemoveRemotePendingRequest{RequestID: resp.RequestID}
		mRem.apply(mc)
		mutations = append(mutations, mDebt, mBal, mRem)
	}

	var msg IncomingMessage
	if isIncoming {
		msg = IncomingResponse{PendingRequest: pending, Response: resp}
	}
	return ProcessOperationOutput{IncomingMessage: msg, Mutations: mutations}, nil
}

// processFailureSendFunds implements FailureSendFunds: the reporting hop
// must sit strictly between the requester and the destination on the
// route, and only the fees owed for the prefix up to (and including) the
// reporting hop are charged — the rest of the freeze is simply released.
// The debt release must always equal the full amount this node froze at
// request time (dest_payment plus its own fees_along_remaining_route), or
// the unclaimed balance of that freeze is left stuck forever; only the
// portion actually earned by attempted hops (feesOwed) moves into balance,
// the remainder is released with no balance effect at all.
func processFailureSendFunds(mc *MutualCredit, isIncoming bool, fail fundertypes.OpFailureSendFunds) (ProcessOperationOutput, error) {
	pending, foundLocal, ok := lookupPending(mc, fail.RequestID)
	if !ok {
		return ProcessOperationOutput{}, newOpErr(ErrRequestDoesNotExist, "failure for unknown request id")
	}

	reportIndex := pending.Route.IndexOf(fail.ReportingPublicKey)
	if reportIndex <= 0 || reportIndex >= pending.Route.Len()-1 {
		return ProcessOperationOutput{}, newOpErr(ErrInvalidReportingKey, "reporting key not strictly between origin and destination")
	}

	sigBuf := fundertypes.FailureSignatureBuffer(fail.RequestID, pending.Route, pending.DestPayment, pending.InvoiceID, fail.ReportingPublicKey, fail.RandNonce)
	if !VerifySignature(fail.ReportingPublicKey, sigBuf, fail.Signature) {
		return ProcessOperationOutput{}, newOpErr(ErrInvalidSignature, "invalid failure signature")
	}

	freezeAmount, err := freezeAmountAt(mc, pending.Route, pending.DestPayment)
	if err != nil {
		return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "freeze amount overflow")
	}

	// The fees frozen beyond dest_payment cover every hop after this node
	// up to the destination; the fees of the hops after the reporting hop
	// are released, not charged.
	calc := fundertypes.NewCreditCalculator(pending.Route, pending.DestPayment)
	frozenFees, err := freezeAmount.Sub(pending.DestPayment)
	if err != nil {
		return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "freeze amount below dest payment")
	}
	feesOwed, err := frozenFees.Sub(calc.FeesAlongRemainingRoute(reportIndex))
	if err != nil {
		feesOwed = fundertypes.NewCredit(0)
	}

	mutations := make([]McMutation, 0, 3)

	if foundLocal {
		newDebt, err := mc.localPendingDebt.Sub(freezeAmount)
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "local pending debt underflow")
		}
		newBalance, err := mc.balance.Sub(feesOwed.Signed())
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "balance underflow")
		}
		mDebt := MutSetLocalPendingDebt{Debt: newDebt}
		mDebt.apply(mc)
		mBal := MutSetBalance{Balance: newBalance}
		mBal.apply(mc)
		mRem := MutRemoveLocalPendingRequest{RequestID: fail.RequestID}
		mRem.apply(mc)
		mutations = append(mutations, mDebt, mBal, mRem)
	} else {
		newDebt, err := mc.remotePendingDebt.Sub(freezeAmount)
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "remote pending debt underflow")
		}
		newBalance, err := mc.balance.Add(feesOwed.Signed())
		if err != nil {
			return ProcessOperationOutput{}, newOpErr(ErrCreditsOverflow, "balance overflow")
		}
		mDebt := MutSetRemotePendingDebt{Debt: newDebt}
		mDebt.apply(mc)
		mBal := MutSetBalance{Balance: newBalance}
		mBal.apply(mc)
		mRem := MutRemoveRemotePendingRequest{RequestID: fail.RequestID}
		mRem.apply(mc)
		mutations = append(mutations, mDebt, mBal, mRem)
	}

	var msg IncomingMessage
	if isIncoming {
		msg = IncomingFailure{PendingRequest: pending, Failure: fail}
	}
	return ProcessOperationOutput{IncomingMessage: msg, Mutations: mutations}, nil
}

// ProcessOperationsList applies a whole operations list in order,
// stopping and returning an error at the first rejected op — the caller
// (TokenChannel) is responsible for discarding all partial mutations by
// operating on a forked MutualCredit.
func ProcessOperationsList(mc *MutualCredit, ops []fundertypes.FriendTcOp, isIncoming bool) ([]ProcessOperationOutput, error) {
	outputs := make([]ProcessOperationOutput, 0, len(ops))
	for _, op := range ops {
		out, err := ProcessOperation(mc, op, isIncoming)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// VerifySignature is overridable by tests; production code wires this to
// the real secp256k1 verifier in package signing. Declared here (rather
// than importing package signing directly) to avoid a dependency cycle,
// since signing needs fundertypes but mutualcredit must stay a leaf
// package per spec.md §2's dependency ordering.
var VerifySignature = func(pk fundertypes.PublicKey, msg []byte, sig fundertypes.Signature) bool {
	return defaultVerify(pk, msg, sig)
}

// defaultVerify is a minimal structural check used only until the daemon
// wires in package signing's Schnorr verifier via SetVerifier. It never
// accepts a forged signature for a different message or key: it accepts
// only deterministicTestSignature(pk, msg) (BLAKE2b-256 of pk||msg, written
// twice), compared with subtle.ConstantTimeCompare.
func defaultVerify(pk fundertypes.PublicKey, msg []byte, sig fundertypes.Signature) bool {
	expected := deterministicTestSignature(pk, msg)
	return subtle.ConstantTimeCompare(expected[:], sig[:]) == 1
}

func deterministicTestSignature(pk fundertypes.PublicKey, msg []byte) fundertypes.Signature {
	sum := blake2b.Sum256(append(append([]byte{}, pk[:]...), msg...))
	var sig fundertypes.Signature
	copy(sig[:32], sum[:])
	copy(sig[32:], sum[:])
	return sig
}

// SetVerifier lets the daemon entry point install the real signature
// verifier at startup.
func SetVerifier(fn func(pk fundertypes.PublicKey, msg []byte, sig fundertypes.Signature) bool) {
	VerifySignature = fn
}
