package fundertypes

import (
	"fmt"
	"math/big"
)

// twoToThe64 is the fixed denominator every fractional UsableRatio is
// expressed over.
var twoToThe64 = new(big.Int).Lsh(big.NewInt(1), 64)

// RequestsStatus tracks whether a side of a channel currently accepts new
// forwarded requests.
type RequestsStatus int

const (
	RequestsClosed RequestsStatus = iota
	RequestsOpen
)

func (s RequestsStatus) String() string {
	if s == RequestsOpen {
		return "open"
	}
	return "closed"
}

// UsableRatio is either the full ratio (One) or a rational numerator over
// 2^64 (Numerator), applied when computing how much of a hop's shared
// credit a request upstream is allowed to freeze.
type UsableRatio struct {
	isOne     bool
	numerator uint64
}

// UsableRatioOne is the full-ratio value.
var UsableRatioOne = UsableRatio{isOne: true}

// NewUsableRatioNumerator builds a fractional ratio over 2^64.
func NewUsableRatioNumerator(n uint64) UsableRatio {
	return UsableRatio{numerator: n}
}

// IsOne reports whether the ratio is the full ratio.
func (r UsableRatio) IsOne() bool { return r.isOne }

// Numerator returns the rational numerator over 2^64; only meaningful when
// !IsOne().
func (r UsableRatio) Numerator() uint64 { return r.numerator }

// AsRat converts the ratio to an exact math/big.Rat, used by the freeze
// guard to compute the product of usable ratios along a route prefix
// without floating-point rounding.
func (r UsableRatio) AsRat() *big.Rat {
	if r.isOne {
		return big.NewRat(1, 1)
	}
	num := new(big.Int).SetUint64(r.numerator)
	return new(big.Rat).SetFrac(num, twoToThe64)
}

// FreezeLink describes one hop's contribution to a request's freeze
// budget: the credit it shares with the next hop, discounted by the
// product of usable ratios from this hop to the end of the route.
type FreezeLink struct {
	SharedCredits Credit
	UsableRatio   UsableRatio
}

// FriendTcOp is the closed sum of operations that can ride inside a move
// token's operations list.
type FriendTcOp interface {
	isFriendTcOp()
}

// OpEnableRequests flips the sender's own requests_status to Open.
type OpEnableRequests struct{}

func (OpEnableRequests) isFriendTcOp() {}

// OpDisableRequests flips the sender's own requests_status to Closed.
type OpDisableRequests struct{}

func (OpDisableRequests) isFriendTcOp() {}

// OpSetRemoteMaxDebt sets the sender's view of how much the receiver may
// owe it.
type OpSetRemoteMaxDebt struct {
	MaxDebt Credit
}

func (OpSetRemoteMaxDebt) isFriendTcOp() {}

// OpRequestSendFunds forwards a payment request, freezing credit along the
// way.
type OpRequestSendFunds struct {
	RequestID    Uid
	Route        Route
	DestPayment  Credit
	InvoiceID    InvoiceId
	FreezeLinks  []FreezeLink
}

func (OpRequestSendFunds) isFriendTcOp() {}

// OpResponseSendFunds carries the destination's signed acknowledgement
// that a request completed.
type OpResponseSendFunds struct {
	RequestID Uid
	RandNonce RandValue
	Signature Signature
}

func (OpResponseSendFunds) isFriendTcOp() {}

// OpFailureSendFunds carries a signed report that a request could not be
// completed, naming the reporting hop.
type OpFailureSendFunds struct {
	RequestID         Uid
	ReportingPublicKey PublicKey
	RandNonce         RandValue
	Signature         Signature
}

func (OpFailureSendFunds) isFriendTcOp() {}

// PendingRequest is the subset of a RequestSendFunds retained while the
// request is in flight, sufficient to build the matching response or
// failure signature buffer later.
type PendingRequest struct {
	RequestID   Uid
	Route       Route
	DestPayment Credit
	InvoiceID   InvoiceId
}

// CreatePendingRequest extracts the PendingRequest view of a forwarded
// request.
func CreatePendingRequest(req OpRequestSendFunds) PendingRequest {
	return PendingRequest{
		RequestID:   req.RequestID,
		Route:       req.Route,
		DestPayment: req.DestPayment,
		InvoiceID:   req.InvoiceID,
	}
}

// String is used by diagnostics/log lines only.
func (p PendingRequest) String() string {
	return fmt.Sprintf("PendingRequest{id=%s, dest_payment=%s}", p.RequestID, p.DestPayment)
}
