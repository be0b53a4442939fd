package funderhandler

import (
	"testing"

	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/funderstate"
	"github.com/funder-network/funder-core/mutualcredit"
	"github.com/funder-network/funder-core/signing"
	"github.com/stretchr/testify/require"
)

type node struct {
	pk      fundertypes.PublicKey
	signer  signing.Client
	state   *funderstate.FunderState
	eph     *funderstate.Ephemeral
	handler *Handler
}

// newPair builds two nodes already befriended with each other; their
// channels converge from independently-derived genesis tokens, exactly
// as two freshly-paired funder nodes would.
func newPair(t *testing.T) (*node, *node) {
	t.Helper()
	c1, err := signing.GenerateLocalClient()
	require.NoError(t, err)
	c2, err := signing.GenerateLocalClient()
	require.NoError(t, err)

	a := &node{pk: c1.PublicKey(), signer: c1, state: funderstate.New(c1.PublicKey())}
	b := &node{pk: c2.PublicKey(), signer: c2, state: funderstate.New(c2.PublicKey())}
	a.state.Mutate(funderstate.MutAddFriend{PK: b.pk})
	b.state.Mutate(funderstate.MutAddFriend{PK: a.pk})
	a.eph = funderstate.NewEphemeral(a.state, 3)
	b.eph = funderstate.NewEphemeral(b.state, 3)
	a.handler = New(a.state, a.eph, c1, 5)
	b.handler = New(b.state, b.eph, c2, 5)
	return a, b
}

// outgoingSideFirst orders (outgoing, incoming) by which side's genesis
// channel currently holds the token.
func outgoingSideFirst(a, b *node) (*node, *node) {
	fsA, _ := a.state.Friend(b.pk)
	ch, _ := fsA.Channel()
	if ch.IsOutgoing() {
		return a, b
	}
	return b, a
}

func TestDirectPaymentRoundTrip(t *testing.T) {
	original := mutualcredit.VerifySignature
	mutualcredit.SetVerifier(signing.Verify)
	defer mutualcredit.SetVerifier(original)

	a, b := newPair(t)
	sender, receiver := outgoingSideFirst(a, b)

	// Each side keeps its own ledger for the same logical channel; seed
	// both as if a SetRemoteMaxDebt/EnableRequests handshake had already
	// converged, since genesis starts both sides at zero trust.
	senderFS, _ := sender.state.Friend(receiver.pk)
	senderCh, _ := senderFS.Channel()
	senderCh.MutualCredit().Mutate(mutualcredit.MutSetLocalMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})
	senderCh.MutualCredit().Mutate(mutualcredit.MutSetRemoteRequestsStatus{Status: fundertypes.RequestsOpen})

	receiverFS, _ := receiver.state.Friend(sender.pk)
	receiverCh, _ := receiverFS.Channel()
	receiverCh.MutualCredit().Mutate(mutualcredit.MutSetRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})
	receiverCh.MutualCredit().Mutate(mutualcredit.MutSetLocalRequestsStatus{Status: fundertypes.RequestsOpen})
	receiverFS.Mutate(friendstate.MutSetWantedLocalRequestsStatus{Status: fundertypes.RequestsOpen})
	receiverFS.Mutate(friendstate.MutSetWantedRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{sender.pk, receiver.pk})
	require.NoError(t, err)
	requestID := fundertypes.Uid{0x42}

	ob, err := sender.handler.HandleControlCommand(fundertypes.RequestSendFundsCommand{
		RequestID:   requestID,
		Route:       route,
		DestPayment: fundertypes.NewCredit(100),
		InvoiceID:   fundertypes.InvoiceId{1},
	})
	require.NoError(t, err)
	require.Len(t, ob.FriendMessages, 1, "the sender should have flushed the request immediately since it holds the token")

	toReceiver := ob.FriendMessages[0]
	require.Equal(t, receiver.pk, toReceiver.PK)

	ob2, err := receiver.handler.HandleFriendMessage(sender.pk, toReceiver.Message)
	require.NoError(t, err)
	require.Len(t, ob2.FriendMessages, 1, "the receiver, now holding the token, should reply with a signed response")

	toSender := ob2.FriendMessages[0]
	require.Equal(t, sender.pk, toSender.PK)

	ob3, err := sender.handler.HandleFriendMessage(receiver.pk, toSender.Message)
	require.NoError(t, err)

	receipt, ok := sender.state.Receipts[requestID]
	require.True(t, ok, "the payer should have stored a receipt for the completed payment")
	require.Equal(t, fundertypes.InvoiceId{1}, receipt.InvoiceID)

	require.Len(t, ob3.ControlEvents, 1)
	event, ok := ob3.ControlEvents[0].(fundertypes.ResponseReceived)
	require.True(t, ok)
	require.Equal(t, requestID, event.RequestID)
	_, ok = event.Result.(fundertypes.ResultSuccess)
	require.True(t, ok)

	// The token alternated twice across the round trip (request, then
	// response) and has landed back with the original sender.
	senderCh2, _ := senderFS.Channel()
	receiverCh2, _ := receiverFS.Channel()
	require.True(t, senderCh2.IsOutgoing())
	require.False(t, receiverCh2.IsOutgoing())
}

// TestRequestSendFundsQueuesWhileTokenOutstanding exercises spec.md §4.4's
// single-batch-per-turn rule: a second RequestSendFunds to the same first
// hop, issued before that hop's reply comes back, must queue rather than
// flush a second move token chained off the still-unacknowledged first one.
func TestRequestSendFundsQueuesWhileTokenOutstanding(t *testing.T) {
	a, b := newPair(t)
	sender, receiver := outgoingSideFirst(a, b)

	senderFS, _ := sender.state.Friend(receiver.pk)
	senderCh, _ := senderFS.Channel()
	senderCh.MutualCredit().Mutate(mutualcredit.MutSetLocalMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})
	senderCh.MutualCredit().Mutate(mutualcredit.MutSetRemoteRequestsStatus{Status: fundertypes.RequestsOpen})

	receiverFS0, _ := receiver.state.Friend(sender.pk)
	receiverCh0, _ := receiverFS0.Channel()
	receiverCh0.MutualCredit().Mutate(mutualcredit.MutSetRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})
	receiverCh0.MutualCredit().Mutate(mutualcredit.MutSetLocalRequestsStatus{Status: fundertypes.RequestsOpen})

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{sender.pk, receiver.pk})
	require.NoError(t, err)

	ob1, err := sender.handler.HandleControlCommand(fundertypes.RequestSendFundsCommand{
		RequestID:   fundertypes.Uid{0x01},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
		InvoiceID:   fundertypes.InvoiceId{1},
	})
	require.NoError(t, err)
	require.Len(t, ob1.FriendMessages, 1, "the sender holds the token at genesis and should flush immediately")
	firstSent := ob1.FriendMessages[0].Message.(fundertypes.MoveTokenRequest)

	require.False(t, senderCh.IsOutgoing(), "sending relinquishes the token to the counterparty")

	ob2, err := sender.handler.HandleControlCommand(fundertypes.RequestSendFundsCommand{
		RequestID:   fundertypes.Uid{0x02},
		Route:       route,
		DestPayment: fundertypes.NewCredit(20),
		InvoiceID:   fundertypes.InvoiceId{2},
	})
	require.NoError(t, err)
	require.Empty(t, ob2.FriendMessages, "a second request must wait for the token before it can flush")

	senderFS2, _ := sender.state.Friend(receiver.pk)
	require.Len(t, senderFS2.PendingUserRequests, 1, "the second request stays queued")

	// The receiver sees only the first, genuine token and can apply it
	// cleanly — no chained-off-an-unacked-token inconsistency.
	receiverOb, err := receiver.handler.HandleFriendMessage(sender.pk, firstSent)
	require.NoError(t, err)
	require.Len(t, receiverOb.FriendMessages, 1)

	receiverFS, _ := receiver.state.Friend(sender.pk)
	require.True(t, receiverFS.IsConsistent(), "the receiver's chain must stay consistent across the two requests")
}

// TestForwardRequestOriginatesFailureWhenNextHopUnknown exercises spec.md
// §8 S3's core mechanic: a node asked to forward a request toward a hop it
// has no friend record for (V, unreachable from B) must originate a
// FailureSendFunds reporting itself, addressed back to whoever handed it
// the request — rather than silently dropping it.
func TestForwardRequestOriginatesFailureWhenNextHopUnknown(t *testing.T) {
	a, b := newPair(t)
	aToB, _ := outgoingSideFirst(a, b)

	var v fundertypes.PublicKey
	v[0] = 0xAA // never added as a friend of b: unreachable

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{a.pk, b.pk, v})
	require.NoError(t, err)
	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{0x77},
		Route:       route,
		DestPayment: fundertypes.NewCredit(50),
		InvoiceID:   fundertypes.InvoiceId{2},
	}

	// b is at index 1 on the route (between a and v); forwardRequest must
	// recognize it cannot reach v and fail back to a.
	ob := &Outbox{}
	err = b.handler.forwardRequest(ob, a.pk, req)
	require.NoError(t, err)

	fsA, ok := b.state.Friend(a.pk)
	require.True(t, ok)
	require.Len(t, fsA.PendingResponses, 1, "the failure should be queued as a response destined for a")
	failureOp, ok := fsA.PendingResponses[0].(friendstate.ResponseOpFailure)
	require.True(t, ok)
	require.Equal(t, req.RequestID, failureOp.Op.RequestID)
	require.Equal(t, b.pk, failureOp.Op.ReportingPublicKey, "b is the hop that actually failed the request")

	// If b also happens to hold the outgoing token toward a, buildAndSend
	// emits a MoveToken addressed to a. b's ledger holds no pending request
	// for req in this setup, so the failure op itself is rejected from the
	// batch and stays queued.
	if aToB.pk == b.pk {
		require.NoError(t, b.handler.buildAndSend(ob, fsA, a.pk))
		require.Len(t, ob.FriendMessages, 1)
		require.Equal(t, a.pk, ob.FriendMessages[0].PK)
	}
}

// TestForwardFailureAtOriginEmitsResultFailure exercises the other half of
// S3: once the failure response makes its way back to the node that
// originally issued the request (no OriginIndex entry on file for it), the
// handler must surface ResultFailure rather than relay it further, and
// must never leave a receipt behind.
func TestForwardFailureAtOriginEmitsResultFailure(t *testing.T) {
	u, a := newPair(t)
	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{u.pk, a.pk})
	require.NoError(t, err)
	pending := fundertypes.PendingRequest{
		RequestID:   fundertypes.Uid{0x55},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
	}
	fail := fundertypes.OpFailureSendFunds{
		RequestID:          pending.RequestID,
		ReportingPublicKey: a.pk,
	}

	ob := &Outbox{}
	require.NoError(t, u.handler.forwardFailure(ob, a.pk, pending, fail))

	require.Len(t, ob.ControlEvents, 1)
	event, ok := ob.ControlEvents[0].(fundertypes.ResponseReceived)
	require.True(t, ok)
	require.Equal(t, pending.RequestID, event.RequestID)
	result, ok := event.Result.(fundertypes.ResultFailure)
	require.True(t, ok)
	require.Equal(t, a.pk, result.ReportingPublicKey)

	_, hasReceipt := u.state.Receipts[pending.RequestID]
	require.False(t, hasReceipt, "a failed payment must never leave a receipt behind")
}

// TestRetransmitResendsOnIdleTick exercises spec.md §8 S5: a node resting
// after sending a move token re-sends it byte-identical to the same live
// friend once enough idle ticks pass without a reply.
func TestRetransmitResendsOnIdleTick(t *testing.T) {
	a, b := newPair(t)
	sender, receiver := outgoingSideFirst(a, b)

	const retransmitTicks = 2
	// A generous liveness window keeps Liveness.Tick from declaring the
	// friend offline partway through this test — retransmit behavior, not
	// liveness, is what's under test here.
	sender.eph = funderstate.NewEphemeral(sender.state, 100)
	sender.handler = New(sender.state, sender.eph, sender.signer, retransmitTicks)

	senderFS, _ := sender.state.Friend(receiver.pk)
	senderCh, _ := senderFS.Channel()
	senderCh.MutualCredit().Mutate(mutualcredit.MutSetLocalMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})
	senderCh.MutualCredit().Mutate(mutualcredit.MutSetRemoteRequestsStatus{Status: fundertypes.RequestsOpen})

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{sender.pk, receiver.pk})
	require.NoError(t, err)
	ob0, err := sender.handler.HandleControlCommand(fundertypes.RequestSendFundsCommand{
		RequestID:   fundertypes.Uid{0x11},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
		InvoiceID:   fundertypes.InvoiceId{1},
	})
	require.NoError(t, err)
	require.Len(t, ob0.FriendMessages, 1, "sender holds the token at genesis and should flush immediately")
	sentMtr := ob0.FriendMessages[0].Message.(fundertypes.MoveTokenRequest)
	require.False(t, senderCh.IsOutgoing(), "sending relinquishes the token; sender is now resting and awaiting a reply")

	for i := 0; i < retransmitTicks-1; i++ {
		ob, err := sender.handler.HandleTick()
		require.NoError(t, err)
		require.Empty(t, ob.FriendMessages, "should stay quiet until the retransmit timer actually expires")
	}

	ob, err := sender.handler.HandleTick()
	require.NoError(t, err)
	require.Len(t, ob.FriendMessages, 1)
	mtr, ok := ob.FriendMessages[0].Message.(fundertypes.MoveTokenRequest)
	require.True(t, ok)
	require.Equal(t, sentMtr.FriendMoveToken, mtr.FriendMoveToken, "retransmit must resend exactly what we last sent")
	lastSent := mtr.FriendMoveToken

	// A second identical wait reproduces a byte-identical retransmit.
	for i := 0; i < retransmitTicks-1; i++ {
		_, err := sender.handler.HandleTick()
		require.NoError(t, err)
	}
	ob2, err := sender.handler.HandleTick()
	require.NoError(t, err)
	require.Len(t, ob2.FriendMessages, 1)
	mtr2, ok := ob2.FriendMessages[0].Message.(fundertypes.MoveTokenRequest)
	require.True(t, ok)
	require.Equal(t, lastSent, mtr2.FriendMoveToken, "retransmit must resend the exact same token, not a fresh one")
}

func TestOfflineFriendCancelsQueuedRequests(t *testing.T) {
	var remote, dest fundertypes.PublicKey
	remote[0], dest[0] = 0x02, 0x03

	client, err := signing.GenerateLocalClient()
	require.NoError(t, err)
	state := funderstate.New(client.PublicKey())
	state.Mutate(funderstate.MutAddFriend{PK: remote})
	eph := funderstate.NewEphemeral(state, 2)
	h := New(state, eph, client, 5)

	fs, _ := state.Friend(remote)
	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{remote, client.PublicKey(), dest})
	require.NoError(t, err)
	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{9},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
	}
	fs.Mutate(friendstate.MutSetPendingRequests{Ops: []fundertypes.OpRequestSendFunds{req}})

	// Tick past the liveness countdown.
	_, err = h.HandleTick()
	require.NoError(t, err)
	ob, err := h.HandleTick()
	require.NoError(t, err)

	fsAfter, _ := state.Friend(remote)
	require.Empty(t, fsAfter.PendingRequests)

	var sawOffline bool
	for _, ev := range ob.ControlEvents {
		if report, ok := ev.(fundertypes.FriendStatusReport); ok && report.PublicKey == remote && !report.Online {
			sawOffline = true
		}
	}
	require.True(t, sawOffline)
}
