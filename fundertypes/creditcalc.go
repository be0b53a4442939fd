package fundertypes

import "math/big"

// CreditCalculator computes the deterministic, monotone-in-path-length fee
// schedule for a route. The exact fee formula is explicitly left as an
// opaque pure function by spec.md §4.3/§9 — this is a placeholder model:
// each hop charges a small flat fee plus a proportional cut of the
// destination payment, floored at zero hops away from the destination.
//
// perHopFee() returns the fee each intermediate hop adds (the same for
// every hop of the route), and FeesAlongRemainingRoute(i) sums the fees
// for every hop strictly between i and the destination (the "remaining
// route" from i's point of view), matching spec.md §4.1's
// "fees_along_remaining_route".
type CreditCalculator struct {
	route       Route
	destPayment Credit
}

const (
	baseFeeUnits  = 1
	feeShiftBits  = 10 // proportional fee = destPayment >> feeShiftBits
)

// NewCreditCalculator builds a calculator for a specific route and
// destination payment amount.
func NewCreditCalculator(route Route, destPayment Credit) CreditCalculator {
	return CreditCalculator{route: route, destPayment: destPayment}
}

// perHopFee is the fee a single hop charges for forwarding, independent of
// its position (flat + proportional), kept deterministic and reused by
// every Nth-hop computation so total fees scale linearly (hence
// monotonically) with the number of remaining hops.
func (c CreditCalculator) perHopFee() Credit {
	prop := new(big.Int).Rsh(c.destPayment.BigInt(), feeShiftBits)
	propCredit, err := CreditFromBigInt(prop)
	if err != nil {
		return NewCredit(baseFeeUnits)
	}
	flat := NewCredit(baseFeeUnits)
	fee, err := flat.Add(propCredit)
	if err != nil {
		// destPayment is bounded to u128 by construction; flat+shift
		// cannot overflow u128 if destPayment didn't.
		return flat
	}
	return fee
}

// FeesAlongRemainingRoute sums the per-hop fee for every hop strictly
// after `index` up to (but excluding) the final, destination hop — the
// quantity spec.md §4.1 calls fees_along_remaining_route when a node at
// `index` freezes credit for a forwarded request.
func (c CreditCalculator) FeesAlongRemainingRoute(index int) Credit {
	remaining := c.route.Len() - index - 2 // hops strictly between index and the destination
	if remaining < 0 {
		remaining = 0
	}
	total := NewCredit(0)
	fee := c.perHopFee()
	for i := 0; i < remaining; i++ {
		var err error
		total, err = total.Add(fee)
		if err != nil {
			break
		}
	}
	return total
}

// FreezeAmount is dest_payment + fees_along_remaining_route for a request
// being frozen at `index`.
func (c CreditCalculator) FreezeAmount(index int) (Credit, error) {
	return c.destPayment.Add(c.FeesAlongRemainingRoute(index))
}
