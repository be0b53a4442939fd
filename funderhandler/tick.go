package funderhandler

import "github.com/funder-network/funder-core/fundertypes"

// HandleTick advances liveness by one tick, failing anything queued for a
// friend that just went offline, then re-sends our last outgoing move
// token to any live friend whose retransmit timer has expired while
// we're still resting, awaiting their reply — per spec.md §4.4 and §5.
func (h *Handler) HandleTick() (*Outbox, error) {
	ob := &Outbox{}

	for _, pk := range h.eph.Liveness.Tick() {
		fs, ok := h.state.Friend(pk)
		if !ok {
			continue
		}
		if err := h.cancelAndFailQueued(ob, fs, pk); err != nil {
			return nil, err
		}
		ob.ControlEvents = append(ob.ControlEvents, fundertypes.FriendStatusReport{
			PublicKey:  pk,
			Online:     false,
			Consistent: fs.IsConsistent(),
		})
	}

	for pk, fs := range h.state.Friends {
		if !h.eph.Liveness.IsOnline(pk) {
			continue
		}
		channel, ok := fs.Channel()
		if !ok {
			continue
		}
		mt, ok := channel.RestingMoveToken()
		if !ok {
			continue
		}
		h.ticksSinceSent[pk]++
		if h.ticksSinceSent[pk] < h.retransmitTicks {
			continue
		}
		h.ticksSinceSent[pk] = 0

		ob.FriendMessages = append(ob.FriendMessages, FriendMessageOut{
			PK:      pk,
			Message: fundertypes.MoveTokenRequest{FriendMoveToken: mt, TokenWanted: channel.TokenWanted()},
		})
	}
	return ob, nil
}
