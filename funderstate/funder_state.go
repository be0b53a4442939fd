// Package funderstate implements C5 (FunderState) and C6 (Ephemeral):
// the top-level persisted state — every friend plus outstanding receipts
// — and the non-persisted per-session state (freeze guard, liveness)
// the funder loop owns exclusively. Grounded on channeldb/db.go's
// top-level database aggregate (a map of named buckets plus typed
// accessors), generalized from bbolt buckets to an in-memory map guarded
// by a single reducer goroutine.
package funderstate

import (
	"fmt"

	"github.com/funder-network/funder-core/freezeguard"
	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/fundertypes"
)

// FunderState is the complete persisted state of one node: its own
// identity, every friend channel, and every outstanding receipt awaiting
// acknowledgement.
type FunderState struct {
	LocalPK  fundertypes.PublicKey
	Friends  map[fundertypes.PublicKey]*friendstate.FriendState
	Receipts map[fundertypes.Uid]fundertypes.Receipt
}

// New builds an empty FunderState for localPK.
func New(localPK fundertypes.PublicKey) *FunderState {
	return &FunderState{
		LocalPK:  localPK,
		Friends:  make(map[fundertypes.PublicKey]*friendstate.FriendState),
		Receipts: make(map[fundertypes.Uid]fundertypes.Receipt),
	}
}

// Friend looks up a friend by public key.
func (s *FunderState) Friend(pk fundertypes.PublicKey) (*friendstate.FriendState, bool) {
	fs, ok := s.Friends[pk]
	return fs, ok
}

// FunderMutation is the closed sum of top-level state transitions.
type FunderMutation interface {
	isFunderMutation()
	apply(s *FunderState)
}

// MutApplyFriend replays a friendstate mutation against one friend. The
// friend must already exist; applying this against an unknown PK panics,
// matching the reducer's invariant that mutation lists are only ever
// built against state the handler already validated.
type MutApplyFriend struct {
	PK     fundertypes.PublicKey
	Inner  friendstate.FriendMutation
}

func (MutApplyFriend) isFunderMutation() {}
func (m MutApplyFriend) apply(s *FunderState) {
	fs, ok := s.Friends[m.PK]
	if !ok {
		panic(fmt.Sprintf("funderstate: MutApplyFriend for unknown friend %s", m.PK))
	}
	fs.Mutate(m.Inner)
}

// MutAddFriend inserts a freshly constructed friend.
type MutAddFriend struct {
	PK      fundertypes.PublicKey
	Address []byte
}

func (MutAddFriend) isFunderMutation() {}
func (m MutAddFriend) apply(s *FunderState) {
	s.Friends[m.PK] = friendstate.New(s.LocalPK, m.PK, m.Address)
}

// MutRemoveFriend deletes a friend entirely.
type MutRemoveFriend struct{ PK fundertypes.PublicKey }

func (MutRemoveFriend) isFunderMutation() {}
func (m MutRemoveFriend) apply(s *FunderState) { delete(s.Friends, m.PK) }

// MutSetReceipt stores a newly completed payment's receipt.
type MutSetReceipt struct {
	RequestID fundertypes.Uid
	Receipt   fundertypes.Receipt
}

func (MutSetReceipt) isFunderMutation() {}
func (m MutSetReceipt) apply(s *FunderState) { s.Receipts[m.RequestID] = m.Receipt }

// MutRemoveReceipt drops an acknowledged receipt — the restored
// ReceiptAck effect from original_source/ (spec.md §3's "retained until
// the user acknowledges it").
type MutRemoveReceipt struct{ RequestID fundertypes.Uid }

func (MutRemoveReceipt) isFunderMutation() {}
func (m MutRemoveReceipt) apply(s *FunderState) { delete(s.Receipts, m.RequestID) }

// Mutate applies a single mutation in place.
func (s *FunderState) Mutate(m FunderMutation) { m.apply(s) }

// Liveness tracks, per friend, whether we currently believe them online
// and how many ticks remain before we declare them offline.
type Liveness struct {
	ticksToOffline map[fundertypes.PublicKey]uint32
	online         map[fundertypes.PublicKey]bool
	resetTicks     uint32
}

// NewLiveness builds a liveness tracker that declares a friend offline
// after resetTicks consecutive ticks with no message received.
func NewLiveness(resetTicks uint32) *Liveness {
	return &Liveness{
		ticksToOffline: make(map[fundertypes.PublicKey]uint32),
		online:         make(map[fundertypes.PublicKey]bool),
		resetTicks:     resetTicks,
	}
}

// Track begins tracking a newly added friend as online.
func (l *Liveness) Track(pk fundertypes.PublicKey) {
	l.ticksToOffline[pk] = l.resetTicks
	l.online[pk] = true
}

// Untrack stops tracking a removed friend.
func (l *Liveness) Untrack(pk fundertypes.PublicKey) {
	delete(l.ticksToOffline, pk)
	delete(l.online, pk)
}

// IsOnline reports whether we currently believe pk is reachable.
func (l *Liveness) IsOnline(pk fundertypes.PublicKey) bool { return l.online[pk] }

// MessageReceived resets pk's countdown, called whenever any friend
// message arrives from them.
func (l *Liveness) MessageReceived(pk fundertypes.PublicKey) {
	if _, tracked := l.ticksToOffline[pk]; !tracked {
		return
	}
	l.ticksToOffline[pk] = l.resetTicks
	l.online[pk] = true
}

// Tick advances every tracked friend's countdown by one, returning the
// public keys that newly transitioned to offline this tick.
func (l *Liveness) Tick() []fundertypes.PublicKey {
	var newlyOffline []fundertypes.PublicKey
	for pk, ticks := range l.ticksToOffline {
		if ticks == 0 {
			continue
		}
		ticks--
		l.ticksToOffline[pk] = ticks
		if ticks == 0 && l.online[pk] {
			l.online[pk] = false
			newlyOffline = append(newlyOffline, pk)
		}
	}
	return newlyOffline
}

// Ephemeral is C6: the non-persisted per-session state the loop owns
// exclusively and discards on restart.
type Ephemeral struct {
	FreezeGuard *freezeguard.FreezeGuard
	Liveness    *Liveness
	OriginIndex *OriginIndex
}

// NewEphemeral builds a fresh Ephemeral for a freshly loaded FunderState,
// rebuilding OriginIndex from persisted pending requests.
func NewEphemeral(state *FunderState, livenessResetTicks uint32) *Ephemeral {
	eph := &Ephemeral{
		FreezeGuard: freezeguard.New(),
		Liveness:    NewLiveness(livenessResetTicks),
		OriginIndex: NewOriginIndex(),
	}
	for pk := range state.Friends {
		eph.Liveness.Track(pk)
	}
	eph.OriginIndex.Rebuild(state)
	return eph
}

// EphemeralMutation is the closed sum of ephemeral-state transitions —
// never persisted, applied only in memory.
type EphemeralMutation interface {
	isEphemeralMutation()
	apply(e *Ephemeral)
}

// MutApplyFreezeGuard replays a freeze guard mutation.
type MutApplyFreezeGuard struct{ Inner freezeguard.FgMutation }

func (MutApplyFreezeGuard) isEphemeralMutation() {}
func (m MutApplyFreezeGuard) apply(e *Ephemeral) { e.FreezeGuard.Mutate(m.Inner) }

// Mutate applies a single ephemeral mutation in place.
func (e *Ephemeral) Mutate(m EphemeralMutation) { m.apply(e) }

// OriginIndex is the restored global Uid → origin-friend-pk ephemeral
// cache described in spec.md §9 as an optional optimization and restored
// here per SPEC_FULL.md §4.6: it turns response/failure origin lookup
// from O(friends) into O(1). It is rebuilt from persisted state on load
// and is never itself persisted.
type OriginIndex struct {
	origin map[fundertypes.Uid]fundertypes.PublicKey
}

// NewOriginIndex builds an empty index.
func NewOriginIndex() *OriginIndex {
	return &OriginIndex{origin: make(map[fundertypes.Uid]fundertypes.PublicKey)}
}

// Rebuild scans every friend's channel for requests remote has forwarded
// to us (pending_remote_requests in C1) and records that friend as the
// origin for each Uid — mirroring the O(friends) scan spec.md §9
// describes as the fallback when no cache is kept.
func (idx *OriginIndex) Rebuild(state *FunderState) {
	idx.origin = make(map[fundertypes.Uid]fundertypes.PublicKey)
	for pk, fs := range state.Friends {
		channel, ok := fs.Channel()
		if !ok {
			continue
		}
		for uid := range channel.MutualCredit().PendingRemoteRequests() {
			idx.origin[uid] = pk
		}
	}
}

// Set records that uid originated from the friend at pk (called when we
// forward a RequestSendFunds onward, recording where it came from).
func (idx *OriginIndex) Set(uid fundertypes.Uid, pk fundertypes.PublicKey) {
	idx.origin[uid] = pk
}

// Lookup returns the origin friend for uid, if known. Absence means we
// are the payer (the request originated with us, not a friend).
func (idx *OriginIndex) Lookup(uid fundertypes.Uid) (fundertypes.PublicKey, bool) {
	pk, ok := idx.origin[uid]
	return pk, ok
}

// Remove drops uid once its response/failure has been forwarded and the
// pending entry is gone from every channel.
func (idx *OriginIndex) Remove(uid fundertypes.Uid) { delete(idx.origin, uid) }
