// Package tokenchannel implements C2: per-friend direction state
// (Incoming/Outgoing), move-token signature/counter/chain validation, and
// batched application of an operations list through package mutualcredit.
// Grounded on the commitment-chain bookkeeping in lnwallet's
// LightningChannel (old/new state validation, counter monotonicity),
// generalized from a two-sided revocable commitment scheme to the funder
// core's single hash-chained move token.
package tokenchannel

import (
	"errors"
	"fmt"

	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/mutualcredit"
	"github.com/funder-network/funder-core/signing"
	"golang.org/x/crypto/blake2b"
)

// MaxOperationsInBatch bounds how many FriendTcOps a single outgoing
// MoveToken may carry, keeping batches from growing unboundedly under
// load and bounding the identity service's signing latency per token.
const MaxOperationsInBatch = 64

// TcDirection is which side currently holds the move token.
type TcDirection int

const (
	DirIncoming TcDirection = iota
	DirOutgoing
)

func (d TcDirection) String() string {
	if d == DirOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// TokenChannel is the per-friend direction state machine: it owns a
// MutualCredit and, depending on direction, either the chain tip we rest
// on after sending (Incoming: our last sent MoveToken, or the genesis/reset
// token) or the chain tip we will build on next plus whether the peer
// wants the token back (Outgoing: the MoveToken we last received, or the
// genesis/reset token).
type TokenChannel struct {
	direction TcDirection
	mc        *mutualcredit.MutualCredit

	// moveTokenIn is the chain tip while resting (DirIncoming): whichever
	// MoveToken we last sent, or adopted via reset/genesis, kept so a
	// retransmit has something to resend until the counterparty replies.
	moveTokenIn fundertypes.MoveToken

	moveTokenOut       fundertypes.MoveToken  // valid when direction == DirOutgoing
	tokenWanted        bool                   // valid when direction == DirOutgoing
	optPrevMoveTokenIn *fundertypes.MoveToken // valid when direction == DirOutgoing
}

// VerifySignature is the move-token signature verifier; overridable for
// tests, wired to signing.Verify in production.
var VerifySignature = signing.Verify

// SetVerifier lets the daemon entry point install a different verifier.
func SetVerifier(fn func(pk fundertypes.PublicKey, buf []byte, sig fundertypes.Signature) bool) {
	VerifySignature = fn
}

// NewGenesis deterministically derives the initial TokenChannel for a
// (local_pk, remote_pk) pair with no signing or handshake, per spec.md
// §3. Both peers must independently compute a byte-identical genesis
// MoveToken, so the padding uses a canonical (lower-hash, higher-hash)
// key ordering rather than each side's own local/remote labels — the
// side holding the lower hash begins Outgoing holding that genesis
// token; the other begins Incoming having "received" it.
func NewGenesis(localPK, remotePK fundertypes.PublicKey) *TokenChannel {
	lowPK, highPK := canonicalOrder(localPK, remotePK)
	genesis := fundertypes.MoveToken{
		OldToken:             fundertypes.PadPublicKey(lowPK),
		NewToken:             fundertypes.PadPublicKey(highPK),
		InconsistencyCounter: 0,
		MoveTokenCounter:      fundertypes.NewCredit(0),
		Balance:               fundertypes.NewSignedCredit(0),
		LocalPendingDebt:      fundertypes.NewCredit(0),
		RemotePendingDebt:     fundertypes.NewCredit(0),
	}

	mc := mutualcredit.New(localPK, remotePK)

	if hashLess(localPK, remotePK) {
		return &TokenChannel{
			direction:    DirOutgoing,
			mc:           mc,
			moveTokenOut: genesis,
			tokenWanted:  false,
		}
	}
	return &TokenChannel{
		direction:   DirIncoming,
		mc:          mc,
		moveTokenIn: genesis,
	}
}

func canonicalOrder(a, b fundertypes.PublicKey) (low, high fundertypes.PublicKey) {
	if hashLess(a, b) {
		return a, b
	}
	return b, a
}

// hashLess orders keys by their BLAKE2b-256 digests in place of the
// spec's literal sha_512_256: a fixed, collision-resistant 256-bit digest
// used purely for deterministic tie-breaking, never for interop with an
// external SHA-512/256 verifier.
func hashLess(a, b fundertypes.PublicKey) bool {
	ha := blake2b.Sum256(a[:])
	hb := blake2b.Sum256(b[:])
	for i := range ha {
		if ha[i] != hb[i] {
			return ha[i] < hb[i]
		}
	}
	return false
}

// Direction reports which side currently holds the token.
func (tc *TokenChannel) Direction() TcDirection { return tc.direction }

// IsOutgoing reports whether we currently hold the token.
func (tc *TokenChannel) IsOutgoing() bool { return tc.direction == DirOutgoing }

// MutualCredit returns the underlying credit ledger.
func (tc *TokenChannel) MutualCredit() *mutualcredit.MutualCredit { return tc.mc }

// NewToken returns the most recent new_token we know of, regardless of
// direction.
func (tc *TokenChannel) NewToken() fundertypes.Signature {
	if tc.direction == DirOutgoing {
		return tc.moveTokenOut.NewToken
	}
	return tc.moveTokenIn.NewToken
}

// InconsistencyCounter returns the chain's current inconsistency counter.
func (tc *TokenChannel) InconsistencyCounter() uint64 {
	if tc.direction == DirOutgoing {
		return tc.moveTokenOut.InconsistencyCounter
	}
	return tc.moveTokenIn.InconsistencyCounter
}

// MoveTokenCounter returns the chain's current move token counter.
func (tc *TokenChannel) MoveTokenCounter() fundertypes.Credit {
	if tc.direction == DirOutgoing {
		return tc.moveTokenOut.MoveTokenCounter
	}
	return tc.moveTokenIn.MoveTokenCounter
}

// LastIncomingMoveToken returns the last MoveToken this side received,
// present whenever direction is Incoming or we have since sent at least
// one outgoing token after receiving one.
func (tc *TokenChannel) LastIncomingMoveToken() (fundertypes.MoveToken, bool) {
	if tc.direction == DirIncoming {
		return tc.moveTokenIn, true
	}
	if tc.optPrevMoveTokenIn != nil {
		return *tc.optPrevMoveTokenIn, true
	}
	return fundertypes.MoveToken{}, false
}

// MoveTokenOut returns the chain tip our next outgoing MoveToken will
// chain from (the MoveToken we last received, or the genesis/reset
// token), valid only while Outgoing.
func (tc *TokenChannel) MoveTokenOut() (fundertypes.MoveToken, bool) {
	if tc.direction != DirOutgoing {
		return fundertypes.MoveToken{}, false
	}
	return tc.moveTokenOut, true
}

// TokenWanted reports whether the peer has asked for the token back,
// valid only while Outgoing.
func (tc *TokenChannel) TokenWanted() bool { return tc.direction == DirOutgoing && tc.tokenWanted }

// RestingMoveToken returns the current chain tip while resting
// (Incoming), used by the funder loop's retransmit timer to resend
// whatever we last put on the wire until the counterparty replies.
func (tc *TokenChannel) RestingMoveToken() (fundertypes.MoveToken, bool) {
	if tc.direction != DirIncoming {
		return fundertypes.MoveToken{}, false
	}
	return tc.moveTokenIn, true
}

// Clone returns a deep copy, used by callers (the Friend State reducer)
// that need to speculate before committing — e.g. computing an outgoing
// batch while leaving the committed channel untouched until persistence
// acknowledges.
func (tc *TokenChannel) Clone() *TokenChannel {
	out := *tc
	out.mc = tc.mc.Clone()
	if tc.optPrevMoveTokenIn != nil {
		prev := *tc.optPrevMoveTokenIn
		out.optPrevMoveTokenIn = &prev
	}
	return &out
}

// TcMutation is the closed sum of state transitions a TokenChannel can
// undergo, mirroring McMutation's replay-log design one layer up.
type TcMutation interface {
	isTcMutation()
	apply(tc *TokenChannel)
}

// MutApplyMc replays a single mutual-credit mutation against this
// channel's ledger.
type MutApplyMc struct{ Inner mutualcredit.McMutation }

func (MutApplyMc) isTcMutation()          {}
func (m MutApplyMc) apply(tc *TokenChannel) { tc.mc.Mutate(m.Inner) }

// MutSetDirectionIncoming transitions to Incoming (resting) once we
// finish building and signing an outgoing MoveToken: we relinquish the
// right to build again until the counterparty's reply hands it back via
// MutAdoptReceivedAsOutgoing.
type MutSetDirectionIncoming struct{ MoveTokenIn fundertypes.MoveToken }

func (MutSetDirectionIncoming) isTcMutation() {}
func (m MutSetDirectionIncoming) apply(tc *TokenChannel) {
	tc.direction = DirIncoming
	tc.moveTokenIn = m.MoveTokenIn
	tc.moveTokenOut = fundertypes.MoveToken{}
	tc.tokenWanted = false
	tc.optPrevMoveTokenIn = nil
}

// MutSetTokenWanted updates only the token_wanted flag without touching
// direction, used when we honor a Duplicate MoveTokenRequest's
// token_wanted bit without re-sending.
type MutSetTokenWanted struct{ TokenWanted bool }

func (MutSetTokenWanted) isTcMutation() {}
func (m MutSetTokenWanted) apply(tc *TokenChannel) { tc.tokenWanted = m.TokenWanted }

// MutAdoptReceivedAsOutgoing hands the token to us: applied when we were
// Incoming and just validated a genuine continuation sent by remote. We
// adopt their MoveToken as our new chain tip and become Outgoing,
// entitled to build our own next move chaining from it.
type MutAdoptReceivedAsOutgoing struct{ MoveTokenIn fundertypes.MoveToken }

func (MutAdoptReceivedAsOutgoing) isTcMutation() {}
func (m MutAdoptReceivedAsOutgoing) apply(tc *TokenChannel) {
	tc.direction = DirOutgoing
	tc.moveTokenOut = m.MoveTokenIn
	tc.tokenWanted = false
	prev := m.MoveTokenIn
	tc.optPrevMoveTokenIn = &prev
	tc.moveTokenIn = fundertypes.MoveToken{}
}

// Apply commits a single mutation, used by the handler/reducer after
// persisting it.
func (tc *TokenChannel) Apply(m TcMutation) { m.apply(tc) }

// ReceiveMoveTokenErrorKind enumerates the chain-inconsistency reasons a
// received MoveToken can be rejected for — every one of these is, per
// spec.md §4.5, recovered via the reset protocol rather than fatal.
type ReceiveMoveTokenErrorKind int

const (
	ErrInvalidSignature ReceiveMoveTokenErrorKind = iota
	ErrChainInconsistency
	ErrInvalidInconsistencyCounter
	ErrMoveTokenCounterOverflow
	ErrInvalidMoveTokenCounter
	ErrInvalidTransaction
	ErrInvalidStatedBalance
)

// ReceiveMoveTokenError reports why simulate_receive_move_token rejected
// an incoming MoveToken.
type ReceiveMoveTokenError struct {
	Kind ReceiveMoveTokenErrorKind
	Err  error
}

func (e *ReceiveMoveTokenError) Error() string { return e.Err.Error() }
func (e *ReceiveMoveTokenError) Unwrap() error { return e.Err }

func rmtErr(kind ReceiveMoveTokenErrorKind, msg string) *ReceiveMoveTokenError {
	return &ReceiveMoveTokenError{Kind: kind, Err: errors.New(msg)}
}

// ReceiveMoveTokenOutput is the closed sum of non-error outcomes of
// simulating a received MoveToken.
type ReceiveMoveTokenOutput interface {
	isReceiveMoveTokenOutput()
}

// Duplicate reports that the received MoveToken equals our current chain
// tip (checked in either direction); idempotent, no mutation required.
type Duplicate struct{}

func (Duplicate) isReceiveMoveTokenOutput() {}

// RetransmitOutgoing reports that remote is resending its previous
// token because our reply was lost; the caller should resend Current.
type RetransmitOutgoing struct{ Current fundertypes.MoveToken }

func (RetransmitOutgoing) isReceiveMoveTokenOutput() {}

// MoveTokenReceived reports a freshly validated and applied MoveToken.
type MoveTokenReceived struct {
	IncomingMessages     []mutualcredit.IncomingMessage
	Mutations            []TcMutation
	RemoteRequestsClosed bool
	OptLocalAddress      []byte
}

func (MoveTokenReceived) isReceiveMoveTokenOutput() {}

// currentTip returns whichever of moveTokenOut/moveTokenIn currently
// represents this side's reference point for validating or extending the
// chain, independent of direction.
func (tc *TokenChannel) currentTip() fundertypes.MoveToken {
	if tc.direction == DirOutgoing {
		return tc.moveTokenOut
	}
	return tc.moveTokenIn
}

// SimulateReceiveMoveToken validates a MoveToken received from remote
// against tc's current chain tip without mutating tc; on success the
// caller is expected to apply every mutation in the returned
// MoveTokenReceived.Mutations (in order) via tc.Apply, then persist.
//
// The token itself alternates custody: whichever side successfully
// applies a genuine continuation becomes Outgoing (entitled to build the
// next move from it), and whichever side just sent one becomes Incoming
// (resting, awaiting the counterparty's reply). The side that is
// currently Outgoing is, by construction, entitled to build and has
// nothing to validate a continuation against — any non-duplicate message
// it receives means the chains have diverged. Only the resting
// (Incoming) side ever processes a continuation or recognizes remote
// retransmitting its own stale message because our reply was lost.
func SimulateReceiveMoveToken(tc *TokenChannel, newToken fundertypes.MoveToken) (ReceiveMoveTokenOutput, error) {
	tip := tc.currentTip()

	if newToken.Equal(tip) {
		return Duplicate{}, nil
	}

	if tc.direction == DirOutgoing {
		return nil, rmtErr(ErrChainInconsistency, "move token received while entitled to build; no continuation is possible")
	}

	isContinuation := newToken.OldToken == tip.NewToken
	isRetransmitOfPrev := newToken.NewToken == tip.OldToken

	if !isContinuation && !isRetransmitOfPrev {
		return nil, rmtErr(ErrChainInconsistency, "move token neither matches our chain tip nor our previous token")
	}
	if isRetransmitOfPrev {
		return RetransmitOutgoing{Current: tip}, nil
	}

	remotePK := tc.mc.Identities().RemotePK
	if !VerifySignature(remotePK, newToken.SignatureBuffer(), newToken.NewToken) {
		return nil, rmtErr(ErrInvalidSignature, "move token signature does not verify under remote public key")
	}

	if newToken.InconsistencyCounter != tip.InconsistencyCounter {
		return nil, rmtErr(ErrInvalidInconsistencyCounter, "inconsistency counter mismatch")
	}

	wantCounter, err := tip.MoveTokenCounter.Add(fundertypes.NewCredit(1))
	if err != nil {
		return nil, rmtErr(ErrMoveTokenCounterOverflow, "move token counter overflow")
	}
	if newToken.MoveTokenCounter.Cmp(wantCounter) != 0 {
		return nil, rmtErr(ErrInvalidMoveTokenCounter, "move token counter mismatch")
	}

	forked := tc.mc.Clone()
	outputs, opErr := mutualcredit.ProcessOperationsList(forked, newToken.Operations, true)
	if opErr != nil {
		return nil, &ReceiveMoveTokenError{Kind: ErrInvalidTransaction, Err: fmt.Errorf("invalid operation in received batch: %w", opErr)}
	}

	// The token states the sender's own post-apply view, the mirror of
	// ours: its balance is our balance negated, and its local/remote
	// pending debts are our remote/local ones.
	if forked.Balance().Cmp(newToken.Balance.Neg()) != 0 ||
		forked.LocalPendingDebt().Cmp(newToken.RemotePendingDebt) != 0 ||
		forked.RemotePendingDebt().Cmp(newToken.LocalPendingDebt) != 0 {
		return nil, rmtErr(ErrInvalidStatedBalance, "sender's stated post-apply balance does not match locally recomputed balance")
	}

	remoteRequestsClosed := forked.RemoteRequestsStatus() == fundertypes.RequestsClosed

	mutations := make([]TcMutation, 0, len(newToken.Operations)*2+1)
	var incomingMessages []mutualcredit.IncomingMessage
	for _, out := range outputs {
		for _, m := range out.Mutations {
			mutations = append(mutations, MutApplyMc{Inner: m})
		}
		if out.IncomingMessage != nil {
			incomingMessages = append(incomingMessages, out.IncomingMessage)
		}
	}
	mutations = append(mutations, MutAdoptReceivedAsOutgoing{MoveTokenIn: newToken})

	return MoveTokenReceived{
		IncomingMessages:     incomingMessages,
		Mutations:            mutations,
		RemoteRequestsClosed: remoteRequestsClosed,
		OptLocalAddress:      newToken.OptLocalAddress,
	}, nil
}

// CreateOutgoingMoveToken drains candidateOps (already ordered by the
// Outgoing Builder per its queue-priority rules) up to
// MaxOperationsInBatch, applying each via mutualcredit against a forked
// ledger to compute the post-apply balance fields, then asks signer for
// the new_token signature. It does not mutate tc; the caller applies the
// returned mutations (ending in MutSetDirectionIncoming, relinquishing
// the token to the counterparty) after persisting. consumed reports how
// many leading candidateOps were used, so the caller can remove exactly
// that many from its queues.
func CreateOutgoingMoveToken(
	tc *TokenChannel,
	candidateOps []fundertypes.FriendTcOp,
	optLocalAddress []byte,
	signer signing.Client,
) (newToken fundertypes.MoveToken, consumed int, mutations []TcMutation, err error) {
	if tc.direction != DirOutgoing {
		return fundertypes.MoveToken{}, 0, nil, errors.New("tokenchannel: cannot create outgoing move token while Incoming")
	}

	forked := tc.mc.Clone()
	used := make([]fundertypes.FriendTcOp, 0, len(candidateOps))
	mutations = make([]TcMutation, 0, len(candidateOps)+1)

	for _, op := range candidateOps {
		if len(used) >= MaxOperationsInBatch {
			break
		}
		out, opErr := mutualcredit.ProcessOperation(forked, op, false)
		if opErr != nil {
			break
		}
		used = append(used, op)
		for _, m := range out.Mutations {
			mutations = append(mutations, MutApplyMc{Inner: m})
		}
	}

	randNonce, err := fundertypes.NewRandValue()
	if err != nil {
		return fundertypes.MoveToken{}, 0, nil, fmt.Errorf("tokenchannel: rand nonce: %w", err)
	}

	nextCounter, err := tc.moveTokenOut.MoveTokenCounter.Add(fundertypes.NewCredit(1))
	if err != nil {
		return fundertypes.MoveToken{}, 0, nil, fmt.Errorf("tokenchannel: move token counter overflow: %w", err)
	}

	newToken = fundertypes.MoveToken{
		Operations:           used,
		OptLocalAddress:      optLocalAddress,
		OldToken:             tc.moveTokenOut.NewToken,
		InconsistencyCounter: tc.moveTokenOut.InconsistencyCounter,
		MoveTokenCounter:     nextCounter,
		Balance:              forked.Balance(),
		LocalPendingDebt:     forked.LocalPendingDebt(),
		RemotePendingDebt:    forked.RemotePendingDebt(),
		RandNonce:            randNonce,
	}

	sig, err := signer.RequestSignature(newToken.SignatureBuffer())
	if err != nil {
		return fundertypes.MoveToken{}, 0, nil, fmt.Errorf("tokenchannel: requesting signature: %w", err)
	}
	newToken.NewToken = sig

	mutations = append(mutations, MutSetDirectionIncoming{MoveTokenIn: newToken})

	return newToken, len(used), mutations, nil
}

// ResetFromRemote constructs a fresh Incoming channel starting from
// remote-supplied reset terms, used when we are the side accepting the
// peer's InconsistencyError and moving back to Consistent by honoring
// their reset token. terms.BalanceForReset seeds the new mutual credit.
func ResetFromRemote(localPK, remotePK fundertypes.PublicKey, terms fundertypes.ResetTerms) *TokenChannel {
	mc := mutualcredit.NewWithBalance(localPK, remotePK, terms.BalanceForReset)
	resetToken := fundertypes.MoveToken{
		OldToken:             fundertypes.Signature{},
		NewToken:             terms.ResetToken,
		InconsistencyCounter: terms.InconsistencyCounter,
		MoveTokenCounter:      fundertypes.NewCredit(0),
		Balance:               terms.BalanceForReset,
		LocalPendingDebt:      fundertypes.NewCredit(0),
		RemotePendingDebt:     fundertypes.NewCredit(0),
	}
	return &TokenChannel{
		direction:   DirIncoming,
		mc:          mc,
		moveTokenIn: resetToken,
	}
}

// ResetFromLocal constructs a fresh Outgoing channel from our own locally
// agreed reset terms — used by ResetFriendChannel once both sides' reset
// terms are known, per spec.md §4.4.
func ResetFromLocal(localPK, remotePK fundertypes.PublicKey, terms fundertypes.ResetTerms, optLastIncoming *fundertypes.MoveToken) *TokenChannel {
	mc := mutualcredit.NewWithBalance(localPK, remotePK, terms.BalanceForReset)
	resetToken := fundertypes.MoveToken{
		OldToken:             fundertypes.Signature{},
		NewToken:             terms.ResetToken,
		InconsistencyCounter: terms.InconsistencyCounter,
		MoveTokenCounter:      fundertypes.NewCredit(0),
		Balance:               terms.BalanceForReset,
		LocalPendingDebt:      fundertypes.NewCredit(0),
		RemotePendingDebt:     fundertypes.NewCredit(0),
	}
	return &TokenChannel{
		direction:          DirOutgoing,
		mc:                 mc,
		moveTokenOut:       resetToken,
		tokenWanted:        false,
		optPrevMoveTokenIn: optLastIncoming,
	}
}
