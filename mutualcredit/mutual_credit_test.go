package mutualcredit

import (
	"testing"

	"github.com/funder-network/funder-core/fundertypes"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (fundertypes.PublicKey, fundertypes.PublicKey, fundertypes.PublicKey) {
	t.Helper()
	var a, b, c fundertypes.PublicKey
	a[0] = 0xaa
	b[0] = 0xbb
	c[0] = 0xcc
	return a, b, c
}

func testKeys4(t *testing.T) (fundertypes.PublicKey, fundertypes.PublicKey, fundertypes.PublicKey, fundertypes.PublicKey) {
	t.Helper()
	var a, b, c, d fundertypes.PublicKey
	a[0] = 0xaa
	b[0] = 0xbb
	c[0] = 0xcc
	d[0] = 0xdd
	return a, b, c, d
}

func openBothSides(mc *MutualCredit) {
	MutSetLocalRequestsStatus{Status: fundertypes.RequestsOpen}.apply(mc)
	MutSetRemoteRequestsStatus{Status: fundertypes.RequestsOpen}.apply(mc)
	MutSetLocalMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)}.apply(mc)
	MutSetRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)}.apply(mc)
}

func TestProcessOperationEnableDisableDirectionality(t *testing.T) {
	local, remote, _ := testKeys(t)
	mc := New(local, remote)

	out, err := ProcessOperation(mc, fundertypes.OpEnableRequests{}, false)
	require.NoError(t, err)
	require.Equal(t, fundertypes.RequestsOpen, mc.LocalRequestsStatus())
	require.Equal(t, fundertypes.RequestsClosed, mc.RemoteRequestsStatus())
	require.Len(t, out.Mutations, 1)
	require.Nil(t, out.IncomingMessage)

	out, err = ProcessOperation(mc, fundertypes.OpEnableRequests{}, true)
	require.NoError(t, err)
	require.Equal(t, fundertypes.RequestsOpen, mc.RemoteRequestsStatus())
}

func TestProcessOperationSetRemoteMaxDebtDirectionality(t *testing.T) {
	local, remote, _ := testKeys(t)
	mc := New(local, remote)

	// We originate the op (!isIncoming): it sets OUR remote_max_debt.
	_, err := ProcessOperation(mc, fundertypes.OpSetRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(500)}, false)
	require.NoError(t, err)
	require.Equal(t, 0, mc.RemoteMaxDebt().Cmp(fundertypes.NewCredit(500)))
	require.True(t, mc.LocalMaxDebt().IsZero())

	// Remote sent it to us (isIncoming): it sets OUR local_max_debt.
	_, err = ProcessOperation(mc, fundertypes.OpSetRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(700)}, true)
	require.NoError(t, err)
	require.Equal(t, 0, mc.LocalMaxDebt().Cmp(fundertypes.NewCredit(700)))
}

func TestProcessOperationSetMaxDebtRejectsBelowPendingDebt(t *testing.T) {
	local, remote, _ := testKeys(t)
	mc := New(local, remote)
	MutSetLocalPendingDebt{Debt: fundertypes.NewCredit(100)}.apply(mc)

	_, err := ProcessOperation(mc, fundertypes.OpSetRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(50)}, true)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, ErrInsufficientTrust, opErr.Kind)
}

func TestRequestSendFundsOwnOriginFreezesLocalDebt(t *testing.T) {
	local, remote, dest := testKeys(t)
	mc := New(local, remote)
	openBothSides(mc)

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{local, remote, dest})
	require.NoError(t, err)

	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{1},
		Route:       route,
		DestPayment: fundertypes.NewCredit(1000),
		InvoiceID:   fundertypes.InvoiceId{2},
	}

	out, err := ProcessOperation(mc, req, false)
	require.NoError(t, err)
	require.False(t, mc.LocalPendingDebt().IsZero())
	pr, ok := mc.PendingLocalRequest(req.RequestID)
	require.True(t, ok)
	require.Equal(t, req.RequestID, pr.RequestID)
	require.Nil(t, out.IncomingMessage)
}

func TestRequestSendFundsForwardedEmitsIncomingRequest(t *testing.T) {
	local, remote, dest := testKeys(t)
	mc := New(local, remote)
	openBothSides(mc)

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{remote, local, dest})
	require.NoError(t, err)

	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{9},
		Route:       route,
		DestPayment: fundertypes.NewCredit(50),
		InvoiceID:   fundertypes.InvoiceId{3},
	}

	out, err := ProcessOperation(mc, req, true)
	require.NoError(t, err)
	_, ok := mc.PendingRemoteRequest(req.RequestID)
	require.True(t, ok)
	require.NotNil(t, out.IncomingMessage)
	ir, ok := out.IncomingMessage.(IncomingRequest)
	require.True(t, ok)
	require.Equal(t, req.RequestID, ir.Request.RequestID)
}

func TestRequestSendFundsRejectsWhenRequestsClosed(t *testing.T) {
	local, remote, dest := testKeys(t)
	mc := New(local, remote)
	MutSetLocalMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)}.apply(mc)
	MutSetRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)}.apply(mc)

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{local, remote, dest})
	require.NoError(t, err)

	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{1},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
		InvoiceID:   fundertypes.InvoiceId{1},
	}

	_, err = ProcessOperation(mc, req, false)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, ErrRequestsClosed, opErr.Kind)
}

func TestRequestSendFundsRejectsDuplicateUid(t *testing.T) {
	local, remote, dest := testKeys(t)
	mc := New(local, remote)
	openBothSides(mc)

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{local, remote, dest})
	require.NoError(t, err)

	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{7},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
		InvoiceID:   fundertypes.InvoiceId{1},
	}
	_, err = ProcessOperation(mc, req, false)
	require.NoError(t, err)

	_, err = ProcessOperation(mc, req, false)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, ErrDuplicateRequest, opErr.Kind)
}

// TestResponseConservesBalanceAcrossHop simulates a response completing a
// request this side originated forwarding (pendingLocalRequests): on a
// 3-hop route with a nonzero remaining-route fee, the full amount frozen
// at request time (dest_payment plus that fee) must settle into balance
// and drain pending debt to zero — leaving nothing permanently frozen.
func TestResponseConservesBalanceAcrossHop(t *testing.T) {
	local, remote, dest := testKeys(t)
	mc := New(local, remote)
	openBothSides(mc)

	oldVerify := VerifySignature
	defer func() { VerifySignature = oldVerify }()
	SetVerifier(func(fundertypes.PublicKey, []byte, fundertypes.Signature) bool { return true })

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{local, remote, dest})
	require.NoError(t, err)

	destPayment := fundertypes.NewCredit(100)
	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{4},
		Route:       route,
		DestPayment: destPayment,
		InvoiceID:   fundertypes.InvoiceId{1},
	}
	_, err = ProcessOperation(mc, req, false)
	require.NoError(t, err)

	freezeAmount, err := fundertypes.NewCreditCalculator(route, destPayment).FreezeAmount(0)
	require.NoError(t, err)
	require.True(t, freezeAmount.Cmp(destPayment) > 0, "the remaining hop's fee must make the frozen amount exceed dest_payment")
	require.Equal(t, 0, mc.LocalPendingDebt().Cmp(freezeAmount), "the request must freeze the full amount, fee included")

	balanceBefore := mc.Balance()

	resp := fundertypes.OpResponseSendFunds{RequestID: req.RequestID}
	_, err = ProcessOperation(mc, resp, false)
	require.NoError(t, err)

	require.True(t, mc.LocalPendingDebt().IsZero(), "no fee may be left frozen forever once the hop succeeds")
	expected, err := balanceBefore.Sub(freezeAmount.Signed())
	require.NoError(t, err)
	require.Equal(t, 0, mc.Balance().Cmp(expected), "balance must settle the full frozen amount, not just dest_payment")

	_, ok := mc.PendingLocalRequest(req.RequestID)
	require.False(t, ok)
}

func TestResponseUnknownRequestIsRejected(t *testing.T) {
	local, remote, _ := testKeys(t)
	mc := New(local, remote)
	_, err := ProcessOperation(mc, fundertypes.OpResponseSendFunds{RequestID: fundertypes.Uid{99}}, false)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, ErrRequestDoesNotExist, opErr.Kind)
}

func TestFailureRejectsReportingKeyAtEndpoints(t *testing.T) {
	local, remote, dest := testKeys(t)
	mc := New(local, remote)
	openBothSides(mc)

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{local, remote, dest})
	require.NoError(t, err)

	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{5},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
		InvoiceID:   fundertypes.InvoiceId{1},
	}
	_, err = ProcessOperation(mc, req, false)
	require.NoError(t, err)

	_, err = ProcessOperation(mc, fundertypes.OpFailureSendFunds{
		RequestID:          req.RequestID,
		ReportingPublicKey: dest,
	}, false)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, ErrInvalidReportingKey, opErr.Kind)
}

// TestFailureReleasesFullFreezeButSettlesOnlyEarnedFees exercises a 4-hop
// route (local, remote, mid, dest) where remote — the hop right after
// local — reports failure: remote attempted to forward so its fee is owed, but
// the fee mid would have charged for the never-attempted remote→dest leg
// is not. Pending debt must still drain by the full amount frozen at
// request time, while only the earned portion moves into balance.
func TestFailureReleasesFullFreezeButSettlesOnlyEarnedFees(t *testing.T) {
	local, remote, mid, dest := testKeys4(t)
	mc := New(local, remote)
	openBothSides(mc)

	oldVerify := VerifySignature
	defer func() { VerifySignature = oldVerify }()
	SetVerifier(func(fundertypes.PublicKey, []byte, fundertypes.Signature) bool { return true })

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{local, remote, mid, dest})
	require.NoError(t, err)

	destPayment := fundertypes.NewCredit(1000)
	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{7},
		Route:       route,
		DestPayment: destPayment,
		InvoiceID:   fundertypes.InvoiceId{1},
	}
	_, err = ProcessOperation(mc, req, false)
	require.NoError(t, err)

	calc := fundertypes.NewCreditCalculator(route, destPayment)
	freezeAmount, err := calc.FreezeAmount(0)
	require.NoError(t, err)
	feesOwed := calc.FeesAlongRemainingRoute(1)
	require.False(t, feesOwed.IsZero(), "remote's own fee for attempting to forward must be nonzero")
	require.True(t, freezeAmount.Cmp(feesOwed) > 0, "the untried remote->dest leg's fee must still be part of the freeze")

	balanceBefore := mc.Balance()

	_, err = ProcessOperation(mc, fundertypes.OpFailureSendFunds{
		RequestID:          req.RequestID,
		ReportingPublicKey: remote,
	}, false)
	require.NoError(t, err)

	require.True(t, mc.LocalPendingDebt().IsZero(), "the entire freeze must be released, not just dest_payment")
	expected, err := balanceBefore.Sub(feesOwed.Signed())
	require.NoError(t, err)
	require.Equal(t, 0, mc.Balance().Cmp(expected), "only the fee actually earned by the attempting hop settles into balance")
}

func TestCloneIsIndependent(t *testing.T) {
	local, remote, dest := testKeys(t)
	mc := New(local, remote)
	openBothSides(mc)

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{local, remote, dest})
	require.NoError(t, err)
	req := fundertypes.OpRequestSendFunds{
		RequestID:   fundertypes.Uid{6},
		Route:       route,
		DestPayment: fundertypes.NewCredit(10),
		InvoiceID:   fundertypes.InvoiceId{1},
	}

	clone := mc.Clone()
	_, err = ProcessOperation(clone, req, false)
	require.NoError(t, err)

	_, ok := mc.PendingLocalRequest(req.RequestID)
	require.False(t, ok, "mutating the clone must not affect the original")
}
