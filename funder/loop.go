// Package funder implements C9: the funder loop, the single goroutine that
// owns a node's FunderState and Ephemeral for the lifetime of the process
// and is the only thing ever allowed to touch them. Grounded on
// htlcswitch/switch.go's Switch — atomic started/shutdown flags, a quit
// channel, and one htlcForwarder goroutine multiplexing every command
// channel through a single select loop — generalized from HTLC packet
// forwarding to friend messages, control commands, and ticks reduced
// through funderhandler.Handler, with every Outbox persisted via
// funderstore before its friend messages and control events are handed to
// an external consumer.
package funder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/funder-network/funder-core/funderhandler"
	"github.com/funder-network/funder-core/funderstate"
	"github.com/funder-network/funder-core/funderstore"
	"github.com/funder-network/funder-core/fundertypes"
	"github.com/funder-network/funder-core/signing"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

// outboundQueueBuffer sizes the ConcurrentQueue's initial overflow slice.
// The queue itself is unbounded past this; the buffer only avoids
// reallocation churn under ordinary load.
const outboundQueueBuffer = 64

// Config collects everything a Loop needs to run. Every field must be
// non-nil, mirroring htlcswitch.Config's all-fields-required contract.
type Config struct {
	// Store is where every friend and receipt mutation this loop produces
	// gets persisted, and where state is rebuilt from on Start.
	Store *funderstore.DB

	// Signer authors this node's half of every outgoing move token.
	Signer signing.Client

	// TickInterval is how often HandleTick fires.
	TickInterval time.Duration

	// RetransmitTicks is how many idle ticks pass, while resting after a
	// send and awaiting a live friend's reply, before the loop re-sends
	// unprompted.
	RetransmitTicks uint32

	// LivenessResetTicks is how many consecutive silent ticks pass
	// before a friend is declared offline.
	LivenessResetTicks uint32
}

// Event is one unit of output the loop hands to external consumers:
// exactly one of FriendMessage or ControlEvent is set.
type Event struct {
	FriendMessage *funderhandler.FriendMessageOut
	ControlEvent  fundertypes.ControlEvent
}

type friendMessageReq struct {
	pk  fundertypes.PublicKey
	msg fundertypes.FriendMessage
	err chan error
}

type controlReq struct {
	cmd fundertypes.ControlCommand
	err chan error
}

// Loop is C9. It owns a *funderhandler.Handler (and, through it, the
// FunderState/Ephemeral pair) exclusively: every access happens inside the
// single run goroutine, so the handler's reduction logic never needs its
// own locking.
type Loop struct {
	started  int32
	shutdown int32
	wg       sync.WaitGroup
	quit     chan struct{}

	cfg     *Config
	handler *funderhandler.Handler

	friendMessages chan *friendMessageReq
	controlCmds    chan *controlReq
	tick           ticker.Ticker

	outbound *queue.ConcurrentQueue
}

// New loads localPK's persisted state from cfg.Store, rebuilds its
// Ephemeral, and returns a Loop ready to Start. If localPK has never been
// seen before, it is recorded and the loop begins with an empty state.
func New(cfg *Config, localPK fundertypes.PublicKey) (*Loop, error) {
	if _, found, err := cfg.Store.LocalPK(); err != nil {
		return nil, fmt.Errorf("funder: reading local identity: %w", err)
	} else if !found {
		if err := cfg.Store.SetLocalPK(localPK); err != nil {
			return nil, fmt.Errorf("funder: recording local identity: %w", err)
		}
	}

	state, err := cfg.Store.LoadState(localPK)
	if err != nil {
		return nil, fmt.Errorf("funder: loading state: %w", err)
	}
	eph := funderstate.NewEphemeral(state, cfg.LivenessResetTicks)
	handler := funderhandler.New(state, eph, cfg.Signer, cfg.RetransmitTicks)

	return &Loop{
		cfg:            cfg,
		handler:        handler,
		friendMessages: make(chan *friendMessageReq),
		controlCmds:    make(chan *controlReq),
		tick:           ticker.New(cfg.TickInterval),
		outbound:       queue.NewConcurrentQueue(outboundQueueBuffer),
		quit:           make(chan struct{}),
	}, nil
}

// Start launches the loop's run goroutine.
func (l *Loop) Start() error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return fmt.Errorf("funder: loop already started")
	}

	log.Infof("Starting funder loop")

	l.outbound.Start()
	l.tick.Start()
	l.wg.Add(1)
	go l.run()
	return nil
}

// Stop signals the run goroutine to exit and waits for it.
func (l *Loop) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.shutdown, 0, 1) {
		return fmt.Errorf("funder: loop already stopped")
	}

	log.Infof("Stopping funder loop")

	close(l.quit)
	l.wg.Wait()
	l.tick.Stop()
	l.outbound.Stop()
	return nil
}

// Events returns the channel external consumers drain for outbound friend
// messages and control events. Buffering past outboundQueueBuffer never
// blocks the reducer goroutine, matching queue.ConcurrentQueue's role
// elsewhere in the stack as the unbounded hand-off between a busy producer
// and a slower consumer.
func (l *Loop) Events() <-chan interface{} {
	return l.outbound.ChanOut()
}

// HandleFriendMessage submits an inbound friend message to the loop and
// blocks until it has been reduced.
func (l *Loop) HandleFriendMessage(pk fundertypes.PublicKey, msg fundertypes.FriendMessage) error {
	req := &friendMessageReq{pk: pk, msg: msg, err: make(chan error, 1)}
	select {
	case l.friendMessages <- req:
	case <-l.quit:
		return fmt.Errorf("funder: loop is shutting down")
	}
	select {
	case err := <-req.err:
		return err
	case <-l.quit:
		return fmt.Errorf("funder: loop is shutting down")
	}
}

// HandleControlCommand submits a control-interface command to the loop and
// blocks until it has been reduced.
func (l *Loop) HandleControlCommand(cmd fundertypes.ControlCommand) error {
	req := &controlReq{cmd: cmd, err: make(chan error, 1)}
	select {
	case l.controlCmds <- req:
	case <-l.quit:
		return fmt.Errorf("funder: loop is shutting down")
	}
	select {
	case err := <-req.err:
		return err
	case <-l.quit:
		return fmt.Errorf("funder: loop is shutting down")
	}
}

// run is the single reducer goroutine. It must never be started more than
// once, and nothing outside this goroutine may touch l.handler.
//
// NOTE: This MUST be run as a goroutine.
func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case req := <-l.friendMessages:
			ob, err := l.handler.HandleFriendMessage(req.pk, req.msg)
			if err != nil {
				log.Errorf("funder: handling message from %s: %v", req.pk, err)
			}
			l.dispatch(ob)
			req.err <- err

		case req := <-l.controlCmds:
			ob, err := l.handler.HandleControlCommand(req.cmd)
			if err != nil {
				log.Errorf("funder: handling control command: %v", err)
			}
			l.dispatch(ob)
			req.err <- err

		case <-l.tick.Ticks():
			ob, err := l.handler.HandleTick()
			if err != nil {
				log.Errorf("funder: handling tick: %v", err)
				continue
			}
			l.dispatch(ob)

		case <-l.quit:
			return
		}
	}
}

// dispatch persists every friend/receipt an Outbox's mutation log names as
// changed, then hands its friend messages and control events to the
// outbound queue. It re-saves coarse-grained current snapshots rather than
// replaying the mutation log itself — ob.Mutations only tells dispatch
// *what* changed, never how; the authoritative state already lives in
// l.handler after the Handle* call returned.
func (l *Loop) dispatch(ob *funderhandler.Outbox) {
	if ob == nil {
		return
	}

	changedFriends := make(map[fundertypes.PublicKey]struct{})
	removedFriends := make(map[fundertypes.PublicKey]struct{})
	changedReceipts := make(map[fundertypes.Uid]struct{})
	removedReceipts := make(map[fundertypes.Uid]struct{})

	for _, m := range ob.Mutations {
		switch mm := m.(type) {
		case funderstate.MutApplyFriend:
			changedFriends[mm.PK] = struct{}{}
		case funderstate.MutAddFriend:
			changedFriends[mm.PK] = struct{}{}
		case funderstate.MutRemoveFriend:
			delete(changedFriends, mm.PK)
			removedFriends[mm.PK] = struct{}{}
		case funderstate.MutSetReceipt:
			changedReceipts[mm.RequestID] = struct{}{}
		case funderstate.MutRemoveReceipt:
			delete(changedReceipts, mm.RequestID)
			removedReceipts[mm.RequestID] = struct{}{}
		}
	}

	state := l.handler.State()
	for pk := range changedFriends {
		fs, ok := state.Friend(pk)
		if !ok {
			continue
		}
		if err := l.cfg.Store.SaveFriend(pk, fs.TakeSnapshot()); err != nil {
			log.Errorf("funder: persisting friend %s (channel %s): %v",
				pk, fundertypes.NewChannelID(state.LocalPK, pk), err)
		}
	}
	for pk := range removedFriends {
		if err := l.cfg.Store.RemoveFriend(pk); err != nil {
			log.Errorf("funder: removing friend %s: %v", pk, err)
		}
	}
	for uid := range changedReceipts {
		receipt, ok := state.Receipts[uid]
		if !ok {
			continue
		}
		if err := l.cfg.Store.SaveReceipt(uid, receipt); err != nil {
			log.Errorf("funder: persisting receipt %s: %v", uid, err)
		}
	}
	for uid := range removedReceipts {
		if err := l.cfg.Store.RemoveReceipt(uid); err != nil {
			log.Errorf("funder: removing receipt %s: %v", uid, err)
		}
	}

	for _, fm := range ob.FriendMessages {
		fm := fm
		l.outbound.ChanIn() <- Event{FriendMessage: &fm}
	}
	for _, ce := range ob.ControlEvents {
		l.outbound.ChanIn() <- Event{ControlEvent: ce}
	}
}
