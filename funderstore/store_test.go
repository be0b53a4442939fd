package funderstore

import (
	"testing"

	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadFriendRoundTrip(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	var localPK, remotePK fundertypes.PublicKey
	localPK[0], remotePK[0] = 0x01, 0x02

	fs := friendstate.New(localPK, remotePK, []byte("remote.example:4433"))
	fs.Mutate(friendstate.MutSetWantedRemoteMaxDebt{MaxDebt: fundertypes.NewCredit(500)})

	require.NoError(t, db.SetLocalPK(localPK))
	require.NoError(t, db.SaveFriend(remotePK, fs.TakeSnapshot()))

	loaded, err := db.LoadFriend(remotePK)
	require.NoError(t, err)
	restored := friendstate.FromSnapshot(loaded)

	require.Equal(t, localPK, restored.LocalPK)
	require.Equal(t, remotePK, restored.RemotePK)
	require.Equal(t, []byte("remote.example:4433"), restored.RemoteAddress)
	require.True(t, restored.WantedRemoteMaxDebt.Cmp(fundertypes.NewCredit(500)) == 0)

	channel, ok := restored.Channel()
	require.True(t, ok, "a freshly added friend's channel should still be Consistent after a round trip")
	require.Equal(t, 0, channel.MutualCredit().Balance().Cmp(fundertypes.NewSignedCredit(0)))
}

func TestLoadStateRebuildsAllFriendsAndReceipts(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	var localPK, aPK, bPK fundertypes.PublicKey
	localPK[0], aPK[0], bPK[0] = 0x01, 0x02, 0x03

	fsA := friendstate.New(localPK, aPK, nil)
	fsB := friendstate.New(localPK, bPK, nil)
	require.NoError(t, db.SaveFriend(aPK, fsA.TakeSnapshot()))
	require.NoError(t, db.SaveFriend(bPK, fsB.TakeSnapshot()))

	requestID := fundertypes.Uid{0x09}
	receipt := fundertypes.Receipt{InvoiceID: fundertypes.InvoiceId{0x01}, DestPayment: fundertypes.NewCredit(10)}
	require.NoError(t, db.SaveReceipt(requestID, receipt))

	state, err := db.LoadState(localPK)
	require.NoError(t, err)
	require.Len(t, state.Friends, 2)
	require.Contains(t, state.Friends, aPK)
	require.Contains(t, state.Friends, bPK)
	require.Equal(t, receipt, state.Receipts[requestID])

	require.NoError(t, db.RemoveFriend(aPK))
	state2, err := db.LoadState(localPK)
	require.NoError(t, err)
	require.Len(t, state2.Friends, 1)

	require.NoError(t, db.RemoveReceipt(requestID))
	_, err = db.LoadReceipt(requestID)
	require.ErrorIs(t, err, ErrReceiptNotFound)
}
