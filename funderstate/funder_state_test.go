package funderstate

import (
	"testing"

	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/mutualcredit"
	"github.com/stretchr/testify/require"
)

func TestAddAndRemoveFriend(t *testing.T) {
	var local, remote fundertypes.PublicKey
	local[0], remote[0] = 0x01, 0x02
	s := New(local)

	s.Mutate(MutAddFriend{PK: remote, Address: []byte("addr")})
	fs, ok := s.Friend(remote)
	require.True(t, ok)
	require.True(t, fs.IsConsistent())

	s.Mutate(MutRemoveFriend{PK: remote})
	_, ok = s.Friend(remote)
	require.False(t, ok)
}

func TestReceiptSetAndRemove(t *testing.T) {
	var local fundertypes.PublicKey
	local[0] = 0x01
	s := New(local)
	uid := fundertypes.Uid{7}

	s.Mutate(MutSetReceipt{RequestID: uid, Receipt: fundertypes.Receipt{InvoiceID: fundertypes.InvoiceId{1}}})
	_, ok := s.Receipts[uid]
	require.True(t, ok)

	s.Mutate(MutRemoveReceipt{RequestID: uid})
	_, ok = s.Receipts[uid]
	require.False(t, ok)
}

func TestLivenessTickDeclaresOfflineAfterCountdown(t *testing.T) {
	var pk fundertypes.PublicKey
	pk[0] = 0x09
	l := NewLiveness(2)
	l.Track(pk)
	require.True(t, l.IsOnline(pk))

	offline := l.Tick()
	require.Empty(t, offline)
	require.True(t, l.IsOnline(pk))

	offline = l.Tick()
	require.Equal(t, []fundertypes.PublicKey{pk}, offline)
	require.False(t, l.IsOnline(pk))
}

func TestLivenessMessageReceivedResetsCountdown(t *testing.T) {
	var pk fundertypes.PublicKey
	pk[0] = 0x09
	l := NewLiveness(1)
	l.Track(pk)

	l.Tick()
	require.False(t, l.IsOnline(pk))

	l.MessageReceived(pk)
	require.True(t, l.IsOnline(pk))
}

func TestOriginIndexRebuildFromPendingRemoteRequests(t *testing.T) {
	var local, remote, dest fundertypes.PublicKey
	local[0], remote[0], dest[0] = 0x01, 0x02, 0x03
	s := New(local)
	s.Mutate(MutAddFriend{PK: remote})

	fs, _ := s.Friend(remote)
	channel, _ := fs.Channel()

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{remote, local, dest})
	require.NoError(t, err)
	req := fundertypes.OpRequestSendFunds{RequestID: fundertypes.Uid{5}, Route: route, DestPayment: fundertypes.NewCredit(10)}

	mc := channel.MutualCredit()
	mc.Mutate(mutualcredit.MutSetLocalRequestsStatus{Status: fundertypes.RequestsOpen})
	mc.Mutate(mutualcredit.MutSetRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(1_000_000)})

	// Process the request as received from remote (isIncoming=true) so it
	// lands in pending_remote_requests, the state OriginIndex rebuilds
	// from.
	_, procErr := mutualcredit.ProcessOperation(channel.MutualCredit(), req, true)
	require.NoError(t, procErr)

	idx := NewOriginIndex()
	idx.Rebuild(s)
	origin, ok := idx.Lookup(req.RequestID)
	require.True(t, ok)
	require.Equal(t, remote, origin)
}
