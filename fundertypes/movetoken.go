package fundertypes

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Domain-separation prefixes for the hash-then-sign contracts in spec.md
// §6. Keeping them as unexported byte slices mirrors how the teacher's
// wire packages scope magic constants to the file that uses them.
var (
	domainNext        = []byte("NEXT")
	domainFundSuccess = []byte("FUND_SUCCESS")
	domainFundFailure = []byte("FUND_FAILURE")
)

// MoveToken is the signed quantum exchanged between friends. Field order
// here matches the signature order from spec.md §3 exactly.
type MoveToken struct {
	Operations          []FriendTcOp
	OptLocalAddress      []byte // nil if absent; opaque transport address
	OldToken            Signature
	InconsistencyCounter uint64
	MoveTokenCounter     Credit
	Balance              SignedCredit
	LocalPendingDebt      Credit
	RemotePendingDebt     Credit
	RandNonce            RandValue
	NewToken             Signature
}

// operationsHash hashes the operations list the way the signature buffer
// contract requires: op count followed by each operation's canonical
// bytes.
func operationsHash(ops []FriendTcOp) HashResult {
	h, _ := blake2b.New256(nil)
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(ops)))
	h.Write(countBuf[:])
	for _, op := range ops {
		h.Write(opBytes(op))
	}
	var out HashResult
	copy(out[:], h.Sum(nil))
	return out
}

// opBytes gives each FriendTcOp variant a canonical, tag-prefixed byte
// encoding sufficient for hashing/signing (not a full wire codec, which is
// out of this spec's scope).
func opBytes(op FriendTcOp) []byte {
	switch o := op.(type) {
	case OpEnableRequests:
		return []byte{0x00}
	case OpDisableRequests:
		return []byte{0x01}
	case OpSetRemoteMaxDebt:
		b, _ := o.MaxDebt.MarshalBinary()
		return append([]byte{0x02}, b...)
	case OpRequestSendFunds:
		out := []byte{0x03}
		out = append(out, o.RequestID[:]...)
		out = append(out, o.Route.Serialize()...)
		b, _ := o.DestPayment.MarshalBinary()
		out = append(out, b...)
		out = append(out, o.InvoiceID[:]...)
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(o.FreezeLinks)))
		out = append(out, n[:]...)
		for _, fl := range o.FreezeLinks {
			sb, _ := fl.SharedCredits.MarshalBinary()
			out = append(out, sb...)
			if fl.UsableRatio.IsOne() {
				out = append(out, 1)
			} else {
				out = append(out, 0)
				var num [8]byte
				binary.BigEndian.PutUint64(num[:], fl.UsableRatio.Numerator())
				out = append(out, num[:]...)
			}
		}
		return out
	case OpResponseSendFunds:
		out := []byte{0x04}
		out = append(out, o.RequestID[:]...)
		out = append(out, o.RandNonce[:]...)
		out = append(out, o.Signature[:]...)
		return out
	case OpFailureSendFunds:
		out := []byte{0x05}
		out = append(out, o.RequestID[:]...)
		out = append(out, o.ReportingPublicKey[:]...)
		out = append(out, o.RandNonce[:]...)
		out = append(out, o.Signature[:]...)
		return out
	default:
		panic("unhandled FriendTcOp variant")
	}
}

// SignatureBuffer assembles the bytes that NewToken signs over, per the
// move-token signature contract in spec.md §6.
func (m MoveToken) SignatureBuffer() []byte {
	opsHash := operationsHash(m.Operations)

	buf := make([]byte, 0, 256)
	prefixHash := blake2b.Sum256(domainNext)
	buf = append(buf, prefixHash[:]...)
	buf = append(buf, opsHash[:]...)
	buf = append(buf, m.OldToken[:]...)

	var u64Buf [8]byte
	binary.BigEndian.PutUint64(u64Buf[:], m.InconsistencyCounter)
	buf = append(buf, u64Buf[:]...)

	mtc, _ := m.MoveTokenCounter.MarshalBinary()
	buf = append(buf, mtc...)

	bal, _ := m.Balance.MarshalBinary()
	buf = append(buf, bal...)

	lpd, _ := m.LocalPendingDebt.MarshalBinary()
	buf = append(buf, lpd...)

	rpd, _ := m.RemotePendingDebt.MarshalBinary()
	buf = append(buf, rpd...)

	buf = append(buf, m.RandNonce[:]...)

	return buf
}

// Equal reports whether two move tokens agree in every signed field and
// in their operations (OptLocalAddress, which is not signed, is not
// compared), the notion of equality the duplicate check in
// spec.md §4.2 relies on.
func (m MoveToken) Equal(other MoveToken) bool {
	if m.OldToken != other.OldToken || m.NewToken != other.NewToken ||
		m.InconsistencyCounter != other.InconsistencyCounter ||
		m.MoveTokenCounter.Cmp(other.MoveTokenCounter) != 0 ||
		m.Balance.Cmp(other.Balance) != 0 ||
		m.LocalPendingDebt.Cmp(other.LocalPendingDebt) != 0 ||
		m.RemotePendingDebt.Cmp(other.RemotePendingDebt) != 0 ||
		m.RandNonce != other.RandNonce ||
		len(m.Operations) != len(other.Operations) {
		return false
	}
	for i := range m.Operations {
		if string(opBytes(m.Operations[i])) != string(opBytes(other.Operations[i])) {
			return false
		}
	}
	return true
}

// ResponseSignatureBuffer assembles the bytes a destination signs over to
// prove a payment completed, per spec.md §6.
func ResponseSignatureBuffer(requestID Uid, route Route, randNonce RandValue, destPayment Credit, invoiceID InvoiceId) []byte {
	prefixHash := blake2b.Sum256(domainFundSuccess)
	inner, _ := blake2b.New256(nil)
	inner.Write(requestID[:])
	routeHash := route.Hash()
	inner.Write(routeHash[:])
	inner.Write(randNonce[:])
	innerHash := inner.Sum(nil)

	buf := make([]byte, 0, 128)
	buf = append(buf, prefixHash[:]...)
	buf = append(buf, innerHash...)
	dp, _ := destPayment.MarshalBinary()
	buf = append(buf, dp...)
	buf = append(buf, invoiceID[:]...)
	return buf
}

// FailureSignatureBuffer assembles the bytes a reporting hop signs over to
// prove a payment failed at or before it, per spec.md §6.
func FailureSignatureBuffer(requestID Uid, route Route, destPayment Credit, invoiceID InvoiceId, reportingPublicKey PublicKey, randNonce RandValue) []byte {
	prefixHash := blake2b.Sum256(domainFundFailure)

	buf := make([]byte, 0, 196)
	buf = append(buf, prefixHash[:]...)
	buf = append(buf, requestID[:]...)
	routeHash := route.Hash()
	buf = append(buf, routeHash[:]...)
	dp, _ := destPayment.MarshalBinary()
	buf = append(buf, dp...)
	buf = append(buf, invoiceID[:]...)
	buf = append(buf, reportingPublicKey[:]...)
	buf = append(buf, randNonce[:]...)
	return buf
}

// Receipt is a destination-signed proof of successful payment, retained by
// the payer until acknowledged.
type Receipt struct {
	ResponseHash HashResult
	InvoiceID    InvoiceId
	DestPayment  Credit
	Signature    Signature
}

// BuildReceipt constructs the receipt for a completed payment.
func BuildReceipt(requestID Uid, route Route, randNonce RandValue, pending PendingRequest, signature Signature) Receipt {
	h, _ := blake2b.New256(nil)
	h.Write(requestID[:])
	h.Write(route.Serialize())
	h.Write(randNonce[:])
	var rh HashResult
	copy(rh[:], h.Sum(nil))
	return Receipt{
		ResponseHash: rh,
		InvoiceID:    pending.InvoiceID,
		DestPayment:  pending.DestPayment,
		Signature:    signature,
	}
}

// ResetTerms is the conservative state two sides agree on to restart a
// diverged channel's hash chain.
type ResetTerms struct {
	ResetToken           Signature
	InconsistencyCounter uint64
	BalanceForReset      SignedCredit
}
