package outgoing

import (
	"testing"

	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/mutualcredit"
	"github.com/funder-network/funder-core/signing"
	"github.com/stretchr/testify/require"
)

// genesisFriendPair builds two FriendStates for the same pair of keys,
// each from that side's own point of view, returning (outgoingSide,
// outgoingSigner). Only the outgoing side is needed by these tests since
// Build always errs for the Incoming side.
func genesisFriendPair(t *testing.T) (*friendstate.FriendState, signing.Client) {
	t.Helper()
	c1, err := signing.GenerateLocalClient()
	require.NoError(t, err)
	c2, err := signing.GenerateLocalClient()
	require.NoError(t, err)

	fs1 := friendstate.New(c1.PublicKey(), c2.PublicKey(), nil)
	fs2 := friendstate.New(c2.PublicKey(), c1.PublicKey(), nil)

	if fs1.IsConsistent() {
		if ch, _ := fs1.Channel(); ch.IsOutgoing() {
			return fs1, c1
		}
	}
	return fs2, c2
}

func TestBuildIdleWhenNothingQueued(t *testing.T) {
	fs, signer := genesisFriendPair(t)

	batch, err := Build(fs, signer, nil)
	require.NoError(t, err)
	require.Nil(t, batch, "an empty, non-requested batch must idle")
}

func TestBuildRejectsIncomingSide(t *testing.T) {
	c1, err := signing.GenerateLocalClient()
	require.NoError(t, err)
	c2, err := signing.GenerateLocalClient()
	require.NoError(t, err)

	fs1 := friendstate.New(c1.PublicKey(), c2.PublicKey(), nil)
	fs2 := friendstate.New(c2.PublicKey(), c1.PublicKey(), nil)

	var incoming *friendstate.FriendState
	var signer signing.Client
	if ch, _ := fs1.Channel(); ch.IsOutgoing() {
		incoming, signer = fs2, c2
	} else {
		incoming, signer = fs1, c1
	}

	_, err = Build(incoming, signer, nil)
	require.ErrorIs(t, err, ErrNotOutgoing)
}

func TestBuildIncludesWantedOpsFirst(t *testing.T) {
	fs, signer := genesisFriendPair(t)
	fs.Mutate(friendstate.MutSetWantedLocalRequestsStatus{Status: fundertypes.RequestsOpen})

	batch, err := Build(fs, signer, nil)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.MoveToken.Operations, 1)
	_, ok := batch.MoveToken.Operations[0].(fundertypes.OpEnableRequests)
	require.True(t, ok)

	for _, m := range batch.FriendMutations {
		fs.Mutate(m)
	}
	ch, ok := fs.Channel()
	require.True(t, ok)
	require.Equal(t, fundertypes.RequestsOpen, ch.MutualCredit().LocalRequestsStatus())
}

func TestBuildDrainsUserRequestsAfterEnablingRequests(t *testing.T) {
	fs, signer := genesisFriendPair(t)
	fs.Mutate(friendstate.MutSetWantedRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})

	ch, _ := fs.Channel()
	// Seed the committed ledger as if remote had already announced it
	// accepts forwarded requests, so the queued user request does not get
	// rejected by processRequestSendFunds's remote-requests-open check.
	ch.MutualCredit().Mutate(mutualcredit.MutSetRemoteRequestsStatus{Status: fundertypes.RequestsOpen})
	ch.MutualCredit().Mutate(mutualcredit.MutSetLocalMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})

	var dest fundertypes.PublicKey
	dest[0] = 0xAA
	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{ch.MutualCredit().Identities().LocalPK, dest})
	require.NoError(t, err)

	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{1},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
		InvoiceID:   fundertypes.InvoiceId{2},
	}
	friendstate.EnqueuePendingUserRequest(fs, req)

	batch, err := Build(fs, signer, nil)
	require.NoError(t, err)
	require.NotNil(t, batch)
	// wanted SetRemoteMaxDebt + the one user request.
	require.Len(t, batch.MoveToken.Operations, 2)
	require.Empty(t, batch.RemainingPendingUserRequests)
}

func TestBuildSignsUnsignedResponse(t *testing.T) {
	original := mutualcredit.VerifySignature
	mutualcredit.SetVerifier(signing.Verify)
	defer mutualcredit.SetVerifier(original)

	fs, signer := genesisFriendPair(t)
	ch, _ := fs.Channel()

	var origin fundertypes.PublicKey
	origin[0] = 0xBB
	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{origin, ch.MutualCredit().Identities().LocalPK})
	require.NoError(t, err)

	pending := fundertypes.PendingRequest{
		RequestID:   fundertypes.Uid{9},
		Route:       route,
		DestPayment: fundertypes.NewCredit(5),
		InvoiceID:   fundertypes.InvoiceId{1},
	}
	friendstate.EnqueuePendingResponse(fs, friendstate.ResponseOpUnsigned{Request: pending})
	// The request must already be on file as something remote forwarded
	// to us before a matching response can be applied against the ledger.
	ch.MutualCredit().Mutate(mutualcredit.MutInsertRemotePendingRequest{Request: pending})
	ch.MutualCredit().Mutate(mutualcredit.MutSetRemotePendingDebt{Debt: fundertypes.NewCredit(5)})

	batch, err := Build(fs, signer, nil)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.MoveToken.Operations, 1)
	op, ok := batch.MoveToken.Operations[0].(fundertypes.OpResponseSendFunds)
	require.True(t, ok)
	require.Equal(t, pending.RequestID, op.RequestID)
	require.Empty(t, batch.RemainingPendingResponses)
}
