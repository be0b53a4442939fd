package tokenchannel

import (
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/mutualcredit"
)

// Snapshot is a flat, fully exported mirror of TokenChannel's private
// direction state, used by funderstore to persist a friend's channel
// across restarts.
type Snapshot struct {
	Direction TcDirection
	Credit    mutualcredit.Snapshot

	MoveTokenIn  fundertypes.MoveToken
	MoveTokenOut fundertypes.MoveToken

	TokenWanted        bool
	OptPrevMoveTokenIn *fundertypes.MoveToken
}

// TakeSnapshot exports tc's complete state for persistence.
func (tc *TokenChannel) TakeSnapshot() Snapshot {
	return Snapshot{
		Direction:          tc.direction,
		Credit:             tc.mc.TakeSnapshot(),
		MoveTokenIn:        tc.moveTokenIn,
		MoveTokenOut:       tc.moveTokenOut,
		TokenWanted:        tc.tokenWanted,
		OptPrevMoveTokenIn: tc.optPrevMoveTokenIn,
	}
}

// FromSnapshot rebuilds a TokenChannel exactly as TakeSnapshot captured it.
func FromSnapshot(s Snapshot) *TokenChannel {
	return &TokenChannel{
		direction:          s.Direction,
		mc:                 mutualcredit.FromSnapshot(s.Credit),
		moveTokenIn:        s.MoveTokenIn,
		moveTokenOut:       s.MoveTokenOut,
		tokenWanted:        s.TokenWanted,
		optPrevMoveTokenIn: s.OptPrevMoveTokenIn,
	}
}
