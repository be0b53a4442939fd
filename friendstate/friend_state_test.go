package friendstate

import (
	"testing"

	"github.com/funder-network/funder-core/fundertypes"
	"github.com/stretchr/testify/require"
)

func TestNewFriendStateStartsConsistentAndEmpty(t *testing.T) {
	var local, remote fundertypes.PublicKey
	local[0], remote[0] = 0x01, 0x02

	fs := New(local, remote, []byte("127.0.0.1:9000"))
	require.True(t, fs.IsConsistent())
	_, ok := fs.Channel()
	require.True(t, ok)
	require.Empty(t, fs.PendingRequests)
	require.Empty(t, fs.PendingResponses)
	require.Empty(t, fs.PendingUserRequests)
	require.Equal(t, fundertypes.FriendEnable, fs.Status)
	_, ok = fs.SentLocalAddress.(NeverSent)
	require.True(t, ok)
}

func TestEnqueueAndCancelAllQueued(t *testing.T) {
	var local, remote fundertypes.PublicKey
	local[0], remote[0] = 0x01, 0x02
	fs := New(local, remote, nil)

	route, err := fundertypes.NewRoute([]fundertypes.PublicKey{local, remote})
	require.NoError(t, err)
	req := fundertypes.OpRequestSendFunds{RequestID: fundertypes.Uid{1}, Route: route, DestPayment: fundertypes.NewCredit(5)}

	EnqueuePendingRequest(fs, req)
	EnqueuePendingUserRequest(fs, req)
	EnqueuePendingResponse(fs, ResponseOpUnsigned{Request: fundertypes.CreatePendingRequest(req)})

	require.Len(t, fs.PendingRequests, 1)
	require.Len(t, fs.PendingUserRequests, 1)
	require.Len(t, fs.PendingResponses, 1)

	forwarded, user := CancelAllQueued(fs)
	require.Len(t, forwarded, 1)
	require.Len(t, user, 1)
	require.Empty(t, fs.PendingRequests)
	require.Empty(t, fs.PendingUserRequests)
	require.Empty(t, fs.PendingResponses)
}

func TestMutSetChannelInconsistentTransitions(t *testing.T) {
	var local, remote fundertypes.PublicKey
	local[0], remote[0] = 0x01, 0x02
	fs := New(local, remote, nil)

	resetToken, err := fundertypes.NewSignature()
	require.NoError(t, err)
	info := ChannelInconsistent{
		LocalResetTerms: fundertypes.ResetTerms{ResetToken: resetToken, InconsistencyCounter: 1},
	}
	fs.Mutate(MutSetChannelInconsistent{Info: info})

	require.False(t, fs.IsConsistent())
	got, ok := fs.Inconsistency()
	require.True(t, ok)
	require.Equal(t, uint64(1), got.LocalResetTerms.InconsistencyCounter)
}
