// Package freezeguard implements C3: a cross-friend bound on how much
// credit may be frozen in flight for a given (next hop, payment origin)
// pair, preventing a single upstream origin from saturating every
// downstream friend's trust by pipelining requests faster than they
// resolve. Grounded on the same kind of map-of-maps accounting
// channeldb/db.go uses for per-channel bucket state, generalized from
// disk buckets to an in-memory ephemeral structure (spec.md §4.3, §5:
// "Ephemeral state is owned by the loop and discarded on restart").
package freezeguard

import (
	"math/big"

	"github.com/funder-network/funder-core/fundertypes"
)

// FreezeGuard tracks, for every (next_hop_pk, origin_pk) pair, how much
// credit is currently frozen in flight on behalf of that origin toward
// that next hop.
type FreezeGuard struct {
	totalFrozen map[fundertypes.PublicKey]map[fundertypes.PublicKey]fundertypes.Credit
}

// New builds an empty FreezeGuard.
func New() *FreezeGuard {
	return &FreezeGuard{
		totalFrozen: make(map[fundertypes.PublicKey]map[fundertypes.PublicKey]fundertypes.Credit),
	}
}

// Clone deep-copies the guard, used when the loop wants to speculate
// before committing an Ephemeral mutation.
func (fg *FreezeGuard) Clone() *FreezeGuard {
	out := New()
	for nextHop, origins := range fg.totalFrozen {
		m := make(map[fundertypes.PublicKey]fundertypes.Credit, len(origins))
		for origin, amt := range origins {
			m[origin] = amt
		}
		out.totalFrozen[nextHop] = m
	}
	return out
}

// Frozen returns how much credit is currently frozen for origin toward
// nextHop (zero if none).
func (fg *FreezeGuard) Frozen(nextHop, origin fundertypes.PublicKey) fundertypes.Credit {
	origins, ok := fg.totalFrozen[nextHop]
	if !ok {
		return fundertypes.NewCredit(0)
	}
	amt, ok := origins[origin]
	if !ok {
		return fundertypes.NewCredit(0)
	}
	return amt
}

// FgMutation is the closed sum of ephemeral freeze-guard transitions.
type FgMutation interface {
	isFgMutation()
	apply(fg *FreezeGuard)
}

// AddFrozenCredit increases the frozen amount for (NextHop, Origin).
type AddFrozenCredit struct {
	NextHop fundertypes.PublicKey
	Origin  fundertypes.PublicKey
	Amount  fundertypes.Credit
}

func (AddFrozenCredit) isFgMutation() {}
func (m AddFrozenCredit) apply(fg *FreezeGuard) {
	origins, ok := fg.totalFrozen[m.NextHop]
	if !ok {
		origins = make(map[fundertypes.PublicKey]fundertypes.Credit)
		fg.totalFrozen[m.NextHop] = origins
	}
	cur := origins[m.Origin]
	sum, err := cur.Add(m.Amount)
	if err != nil {
		// u128 overflow here would mean more in-flight credit than the
		// whole credit space allows; clamp rather than panic, since
		// this is ephemeral accounting, not a ledger of record.
		sum = cur
	}
	origins[m.Origin] = sum
}

// SubFrozenCredit decreases the frozen amount for (NextHop, Origin),
// deleting the entry (and the next-hop submap, if now empty) when it
// reaches zero.
type SubFrozenCredit struct {
	NextHop fundertypes.PublicKey
	Origin  fundertypes.PublicKey
	Amount  fundertypes.Credit
}

func (SubFrozenCredit) isFgMutation() {}
func (m SubFrozenCredit) apply(fg *FreezeGuard) {
	origins, ok := fg.totalFrozen[m.NextHop]
	if !ok {
		return
	}
	cur, ok := origins[m.Origin]
	if !ok {
		return
	}
	next, err := cur.Sub(m.Amount)
	if err != nil {
		next = fundertypes.NewCredit(0)
	}
	if next.IsZero() {
		delete(origins, m.Origin)
		if len(origins) == 0 {
			delete(fg.totalFrozen, m.NextHop)
		}
		return
	}
	origins[m.Origin] = next
}

// Mutate applies a single mutation in place.
func (fg *FreezeGuard) Mutate(m FgMutation) { m.apply(fg) }

// Add computes the mutations freezing credit for every origin strictly
// upstream of us on route (indices 0..myIndex-1) toward nextHop, applies
// them, and returns them for persistence — mirroring spec.md §4.3's "for
// each prefix index i = 0 … my_index−1, freeze the credits that node i
// would have to pre-allocate to reach us".
func Add(fg *FreezeGuard, route fundertypes.Route, destPayment fundertypes.Credit, myIndex int, nextHop fundertypes.PublicKey) []FgMutation {
	calc := fundertypes.NewCreditCalculator(route, destPayment)
	mutations := make([]FgMutation, 0, myIndex)
	for i := 0; i < myIndex; i++ {
		amount, err := calc.FreezeAmount(i)
		if err != nil {
			continue
		}
		m := AddFrozenCredit{NextHop: nextHop, Origin: route.PKAt(i), Amount: amount}
		fg.Mutate(m)
		mutations = append(mutations, m)
	}
	return mutations
}

// Sub releases the credit Add froze for the same route/nextHop, used
// when a matching response or failure arrives.
func Sub(fg *FreezeGuard, route fundertypes.Route, destPayment fundertypes.Credit, myIndex int, nextHop fundertypes.PublicKey) []FgMutation {
	calc := fundertypes.NewCreditCalculator(route, destPayment)
	mutations := make([]FgMutation, 0, myIndex)
	for i := 0; i < myIndex; i++ {
		amount, err := calc.FreezeAmount(i)
		if err != nil {
			continue
		}
		m := SubFrozenCredit{NextHop: nextHop, Origin: route.PKAt(i), Amount: amount}
		fg.Mutate(m)
		mutations = append(mutations, m)
	}
	return mutations
}

// VerifyFreezingLinks checks, for every index i in freezeLinks, that
// freezing this request would not push (nextHop, route[i]) past the
// credit origin i shared with us — allowed_credits = shared_credits ×
// Π usable_ratio[i..end], computed as an exact rational to avoid
// floating point error in the 2^-64-resolution ratios.
func VerifyFreezingLinks(fg *FreezeGuard, route fundertypes.Route, destPayment fundertypes.Credit, freezeLinks []fundertypes.FreezeLink, nextHop fundertypes.PublicKey) bool {
	calc := fundertypes.NewCreditCalculator(route, destPayment)

	for i := range freezeLinks {
		product := big.NewRat(1, 1)
		for j := i; j < len(freezeLinks); j++ {
			product.Mul(product, freezeLinks[j].UsableRatio.AsRat())
		}
		allowed := new(big.Rat).Mul(product, new(big.Rat).SetInt(freezeLinks[i].SharedCredits.BigInt()))

		freezeAmount, err := calc.FreezeAmount(i)
		if err != nil {
			return false
		}
		origin := route.PKAt(i)
		newFrozen, err := fg.Frozen(nextHop, origin).Add(freezeAmount)
		if err != nil {
			return false
		}
		newFrozenRat := new(big.Rat).SetInt(newFrozen.BigInt())
		if newFrozenRat.Cmp(allowed) > 0 {
			return false
		}
	}
	return true
}
