// Package comms is the dispatch layer between the wallet's state machines
// and its peer connections. The transport owner reports connections coming
// up and going down; listeners registered here get the lifecycle callbacks
// and can push messages back out through the worker handles.
package comms

import (
	"sync"

	"github.com/fiatjaf/immortan/internal/ln"
)

// Worker is the handle for one live peer connection. Handler accepts
// outbound protocol messages and is owned by the transport.
type Worker struct {
	Info    ln.RemoteNodeInfo
	Pair    ln.KeyPair
	Handler func(msg ln.Message)
}

// Listener receives per-peer lifecycle and swap-out callbacks. Callbacks
// are synchronous; implementations hand work off to their own executors.
type Listener interface {
	OnOperational(w *Worker, theirInit ln.Init)
	OnDisconnect(w *Worker)
	OnSwapOutMessage(w *Worker, msg ln.Message)
}

// NoopListener satisfies the callbacks a listener does not care about.
type NoopListener struct{}

func (NoopListener) OnOperational(*Worker, ln.Init)       {}
func (NoopListener) OnDisconnect(*Worker)                 {}
func (NoopListener) OnSwapOutMessage(*Worker, ln.Message) {}

type peerState struct {
	worker    *Worker
	theirInit ln.Init
}

// Tower tracks live peers and fans callbacks out to global listeners
// (registered for every peer) and per-peer listeners.
type Tower struct {
	mu        sync.Mutex
	peers     map[ln.NodeID]*peerState
	byPair    map[ln.KeyPair]*Worker
	global    []Listener
	listeners map[ln.NodeID][]Listener
}

func NewTower() *Tower {
	return &Tower{
		peers:     make(map[ln.NodeID]*peerState),
		byPair:    make(map[ln.KeyPair]*Worker),
		listeners: make(map[ln.NodeID][]Listener),
	}
}

// AddListener registers l for the lifecycle of every peer, present and
// future.
func (t *Tower) AddListener(l Listener) {
	t.mu.Lock()
	var live []*peerState
	for _, ps := range t.peers {
		live = append(live, ps)
	}
	t.global = append(t.global, l)
	t.mu.Unlock()

	for _, ps := range live {
		l.OnOperational(ps.worker, ps.theirInit)
	}
}

// Listen registers listeners for a single peer. If the peer is already
// connected each listener observes an immediate OnOperational so it never
// has to wait for the next reconnect.
func (t *Tower) Listen(ls []Listener, info ln.RemoteNodeInfo) {
	t.mu.Lock()
	t.listeners[info.NodeID] = append(t.listeners[info.NodeID], ls...)
	ps := t.peers[info.NodeID]
	t.mu.Unlock()

	if ps == nil {
		return
	}
	for _, l := range ls {
		l.OnOperational(ps.worker, ps.theirInit)
	}
}

// RemoveListener detaches one per-peer listener. The peer connection
// itself is untouched.
func (t *Tower) RemoveListener(info ln.RemoteNodeInfo, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.listeners[info.NodeID][:0]
	for _, have := range t.listeners[info.NodeID] {
		if have != l {
			kept = append(kept, have)
		}
	}
	if len(kept) == 0 {
		delete(t.listeners, info.NodeID)
	} else {
		t.listeners[info.NodeID] = kept
	}
}

// SendMany emits zero or one message to the peer the node-specific pair
// addresses. A nil message and an unknown pair are both no-ops: sends are
// fire-and-forget and the periodic machinery re-synchronises later.
func (t *Tower) SendMany(msg ln.Message, pair ln.KeyPair) {
	if msg == nil {
		return
	}
	t.mu.Lock()
	w := t.byPair[pair]
	t.mu.Unlock()

	if w != nil && w.Handler != nil {
		w.Handler(msg)
	}
}

// Connected is called by the transport when a peer finishes its handshake.
func (t *Tower) Connected(w *Worker, theirInit ln.Init) {
	t.mu.Lock()
	t.peers[w.Info.NodeID] = &peerState{worker: w, theirInit: theirInit}
	t.byPair[w.Pair] = w
	ls := t.snapshotListeners(w.Info.NodeID)
	t.mu.Unlock()

	for _, l := range ls {
		l.OnOperational(w, theirInit)
	}
}

// Disconnected is called by the transport when a peer connection drops.
func (t *Tower) Disconnected(nodeID ln.NodeID) {
	t.mu.Lock()
	ps := t.peers[nodeID]
	if ps != nil {
		delete(t.peers, nodeID)
		delete(t.byPair, ps.worker.Pair)
	}
	ls := t.snapshotListeners(nodeID)
	t.mu.Unlock()

	if ps == nil {
		return
	}
	for _, l := range ls {
		l.OnDisconnect(ps.worker)
	}
}

// DeliverSwapOut routes an inbound swap-out protocol message to the
// peer's listeners.
func (t *Tower) DeliverSwapOut(nodeID ln.NodeID, msg ln.Message) {
	t.mu.Lock()
	ps := t.peers[nodeID]
	ls := t.snapshotListeners(nodeID)
	t.mu.Unlock()

	if ps == nil {
		return
	}
	for _, l := range ls {
		l.OnSwapOutMessage(ps.worker, msg)
	}
}

// snapshotListeners must be called with the mutex held.
func (t *Tower) snapshotListeners(nodeID ln.NodeID) []Listener {
	out := make([]Listener, 0, len(t.global)+len(t.listeners[nodeID]))
	out = append(out, t.global...)
	out = append(out, t.listeners[nodeID]...)
	return out
}
