// Package trampoline periodically advertises this wallet's private
// routing capacity to the peers that asked for it, sending only deltas.
package trampoline

import (
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/fiatjaf/immortan/internal/channels"
	"github.com/fiatjaf/immortan/internal/comms"
	"github.com/fiatjaf/immortan/internal/fsm"
	"github.com/fiatjaf/immortan/internal/ln"
)

const (
	// BroadcastInterval is how often per-peer advertisements are
	// recomputed and deltas pushed out.
	BroadcastInterval = 10 * time.Second

	// DefaultMaxRoutableRatio caps how much of a channel's send capacity
	// is advertised as routable, leaving headroom for our own payments.
	DefaultMaxRoutableRatio = 0.9
)

// Sender emits zero or one wire message towards a peer.
type Sender interface {
	SendMany(msg ln.Message, pair ln.KeyPair)
}

type state int

const (
	routingDisabled state = iota
	routingEnabled
)

// CMDBroadcast asks the broadcaster to recompute and dispatch. The
// internal ticker emits one every BroadcastInterval; tests feed their own.
type CMDBroadcast struct{}

// RoutingOn enables routing, or reconfigures it with new template params.
type RoutingOn struct {
	Params ln.TrampolineOn
}

// RoutingOff withdraws every advertisement.
type RoutingOff struct{}

type peerDisconnected struct {
	nodeID ln.NodeID
}

type syncPoint struct {
	done chan struct{}
}

// LastBroadcast remembers the advertisement a peer last saw, so the next
// tick can tell a change from a refresh.
type LastBroadcast struct {
	Last             ln.TrampolineStatus
	Info             ln.RemoteNodeInfo
	MaxRoutableRatio float64
}

// updated recomputes the advertisement for this peer from the usable
// channel set. Capacity through us is bounded both by what we can receive
// from the peer and by what we can push out through everyone else.
func (lb *LastBroadcast) updated(usable []channels.Channel, params ln.TrampolineOn) *LastBroadcast {
	var canReceiveFromPeer, canSendOut ln.MilliSatoshi
	for _, ch := range usable {
		if ch.RemoteInfo().NodeID == lb.Info.NodeID {
			canReceiveFromPeer += ch.AvailableForReceive()
		} else {
			canSendOut += ln.MilliSatoshi(float64(ch.AvailableForSend()) * lb.MaxRoutableRatio)
		}
	}

	status := params
	status.MaxMsat = ln.MinMilliSatoshi(canSendOut, canReceiveFromPeer)

	next := &LastBroadcast{Info: lb.Info, MaxRoutableRatio: lb.MaxRoutableRatio}
	switch {
	case status.MinMsat > status.MaxMsat:
		next.Last = ln.TrampolineUndesired{}
	case !lb.advertising():
		next.Last = ln.TrampolineStatusInit{Status: status}
	default:
		next.Last = ln.TrampolineStatusUpdate{Status: &status}
	}
	return next
}

func (lb *LastBroadcast) advertising() bool {
	_, undesired := lb.Last.(ln.TrampolineUndesired)
	return !undesired
}

// Broadcaster is the routing-advertisement state machine. All state below
// the mailbox is confined to the mailbox goroutine.
type Broadcaster struct {
	comms.NoopListener

	sender  Sender
	chans   channels.Manager
	mailbox *fsm.Mailbox
	tick    ticker.Ticker
	quit    chan struct{}

	state        state
	params       *ln.TrampolineOn // nil while routing is off
	broadcasters map[ln.NodeID]*LastBroadcast
}

// New starts the broadcaster in (RoutingOff, RoutingDisabled) with its
// periodic tick running.
func New(sender Sender, chans channels.Manager, tick ticker.Ticker) *Broadcaster {
	b := &Broadcaster{
		sender:       sender,
		chans:        chans,
		mailbox:      fsm.NewMailbox(),
		tick:         tick,
		quit:         make(chan struct{}),
		broadcasters: make(map[ln.NodeID]*LastBroadcast),
	}
	b.mailbox.Run(b.handle)
	b.tick.Resume()
	go b.tickLoop()
	return b
}

// Process enqueues an input for asynchronous handling and returns.
func (b *Broadcaster) Process(msg interface{}) {
	b.mailbox.Deliver(msg)
}

// BecomeShutDown cancels the tick and stops the machine.
func (b *Broadcaster) BecomeShutDown() {
	close(b.quit)
	b.tick.Stop()
	b.mailbox.Stop()
}

func (b *Broadcaster) tickLoop() {
	for {
		select {
		case <-b.tick.Ticks():
			b.Process(CMDBroadcast{})
		case <-b.quit:
			return
		}
	}
}

// OnOperational is the comms-tower callback. Peers that do not advertise
// private routing never enter the working set.
func (b *Broadcaster) OnOperational(w *comms.Worker, theirInit ln.Init) {
	if !theirInit.Supports(ln.FeaturePrivateRouting) {
		return
	}
	b.Process(&LastBroadcast{
		Last:             ln.TrampolineUndesired{},
		Info:             w.Info,
		MaxRoutableRatio: DefaultMaxRoutableRatio,
	})
}

func (b *Broadcaster) OnDisconnect(w *comms.Worker) {
	b.Process(peerDisconnected{nodeID: w.Info.NodeID})
}

func (b *Broadcaster) handle(msg interface{}) {
	switch m := msg.(type) {
	case *LastBroadcast:
		b.broadcasters[m.Info.NodeID] = m

	case peerDisconnected:
		delete(b.broadcasters, m.nodeID)

	case RoutingOn:
		params := m.Params
		b.params = &params
		b.state = routingEnabled

	case RoutingOff:
		if b.state != routingEnabled {
			return
		}
		// The state stays RoutingEnabled on purpose: only the data
		// carries the off status, so the next RoutingOn re-enables
		// through the same arm.
		for nodeID, lb := range b.broadcasters {
			b.broadcasters[nodeID] = &LastBroadcast{
				Last:             ln.TrampolineUndesired{},
				Info:             lb.Info,
				MaxRoutableRatio: lb.MaxRoutableRatio,
			}
			b.sender.SendMany(ln.TrampolineUndesired{}, lb.Info.NodeSpecificPair)
		}
		b.params = nil

	case CMDBroadcast:
		if b.state != routingEnabled || b.params == nil {
			return
		}
		usable := channels.Usable(b.chans)
		next := make(map[ln.NodeID]*LastBroadcast, len(b.broadcasters))
		for nodeID, lb := range b.broadcasters {
			nlb := lb.updated(usable, *b.params)
			if !ln.EqualTrampolineStatus(nlb.Last, lb.Last) {
				b.sender.SendMany(nlb.Last, nlb.Info.NodeSpecificPair)
			}
			next[nodeID] = nlb
		}
		b.broadcasters = next

	case syncPoint:
		close(m.done)
	}
}

// sync blocks until every message delivered before it has been handled.
func (b *Broadcaster) sync() {
	p := syncPoint{done: make(chan struct{})}
	b.mailbox.Deliver(p)
	<-p.done
}
