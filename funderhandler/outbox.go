package funderhandler

import (
	"github.com/funder-network/funder-core/freezeguard"
	"github.com/funder-network/funder-core/funderstate"
	"github.com/funder-network/funder-core/fundertypes"
)

// FriendMessageOut is one wire message this reduction produced, addressed
// to the friend it must be transmitted to.
type FriendMessageOut struct {
	PK      fundertypes.PublicKey
	Message fundertypes.FriendMessage
}

// Outbox accumulates everything a single call into the handler produced:
// messages to transmit, events to surface to the control interface, and
// the mutation log the caller persists via the state store's
// apply_and_persist. Ephemeral mutations are included only for
// introspection/testing — FreezeGuard and Liveness are never persisted,
// they are rebuilt on load per spec.md §4.6.
type Outbox struct {
	FriendMessages     []FriendMessageOut
	ControlEvents      []fundertypes.ControlEvent
	Mutations          []funderstate.FunderMutation
	EphemeralMutations []funderstate.EphemeralMutation
}

func (ob *Outbox) recordFreezeGuard(m freezeguard.FgMutation) {
	ob.EphemeralMutations = append(ob.EphemeralMutations, funderstate.MutApplyFreezeGuard{Inner: m})
}
