package funder

import (
	"testing"
	"time"

	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/funderstore"
	"github.com/funder-network/funder-core/signing"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) (*Loop, fundertypes.PublicKey) {
	t.Helper()
	db, err := funderstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client, err := signing.GenerateLocalClient()
	require.NoError(t, err)

	cfg := &Config{
		Store:              db,
		Signer:             client,
		TickInterval:       time.Hour,
		RetransmitTicks:    3,
		LivenessResetTicks: 3,
	}
	loop, err := New(cfg, client.PublicKey())
	require.NoError(t, err)
	return loop, client.PublicKey()
}

func TestAddFriendPersists(t *testing.T) {
	loop, localPK := newTestLoop(t)
	require.NoError(t, loop.Start())
	defer loop.Stop()

	var remotePK fundertypes.PublicKey
	remotePK[0] = 0x02

	require.NoError(t, loop.HandleControlCommand(fundertypes.AddFriend{
		PublicKey: remotePK,
		Address:   []byte("peer.example:4433"),
	}))

	state, err := loop.cfg.Store.LoadState(localPK)
	require.NoError(t, err)
	require.Contains(t, state.Friends, remotePK)
}

func TestAddFriendTwiceIsIdempotent(t *testing.T) {
	loop, _ := newTestLoop(t)
	require.NoError(t, loop.Start())
	defer loop.Stop()

	var remotePK fundertypes.PublicKey
	remotePK[0] = 0x03

	cmd := fundertypes.AddFriend{PublicKey: remotePK, Address: nil}
	require.NoError(t, loop.HandleControlCommand(cmd))
	require.NoError(t, loop.HandleControlCommand(cmd))
}

func TestRemoveUnknownFriendReturnsError(t *testing.T) {
	loop, _ := newTestLoop(t)
	require.NoError(t, loop.Start())
	defer loop.Stop()

	var unknownPK fundertypes.PublicKey
	unknownPK[0] = 0xff

	err := loop.HandleControlCommand(fundertypes.RemoveFriend{PublicKey: unknownPK})
	require.Error(t, err)
}

func TestRemoveFriendDeletesFromStore(t *testing.T) {
	loop, localPK := newTestLoop(t)
	require.NoError(t, loop.Start())
	defer loop.Stop()

	var remotePK fundertypes.PublicKey
	remotePK[0] = 0x04

	require.NoError(t, loop.HandleControlCommand(fundertypes.AddFriend{PublicKey: remotePK}))
	require.NoError(t, loop.HandleControlCommand(fundertypes.RemoveFriend{PublicKey: remotePK}))

	state, err := loop.cfg.Store.LoadState(localPK)
	require.NoError(t, err)
	require.NotContains(t, state.Friends, remotePK)
}

func TestStartTwiceFails(t *testing.T) {
	loop, _ := newTestLoop(t)
	require.NoError(t, loop.Start())
	defer loop.Stop()

	require.Error(t, loop.Start())
}

func TestStopTwiceFails(t *testing.T) {
	loop, _ := newTestLoop(t)
	require.NoError(t, loop.Start())
	require.NoError(t, loop.Stop())
	require.Error(t, loop.Stop())
}

func TestHandleCommandAfterStopErrors(t *testing.T) {
	loop, _ := newTestLoop(t)
	require.NoError(t, loop.Start())
	require.NoError(t, loop.Stop())

	var pk fundertypes.PublicKey
	pk[0] = 0x05
	err := loop.HandleControlCommand(fundertypes.AddFriend{PublicKey: pk})
	require.Error(t, err)
}
