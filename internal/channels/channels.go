// Package channels is the read-only face of the channel manager that the
// coordination state machines consult for balances. The manager itself
// lives elsewhere; everything here is either an interface or a snapshot.
package channels

import (
	"sync"

	"github.com/fiatjaf/immortan/internal/ln"
)

// Channel exposes the balance view of a single channel with a peer.
type Channel interface {
	RemoteInfo() ln.RemoteNodeInfo
	AvailableForSend() ln.MilliSatoshi
	AvailableForReceive() ln.MilliSatoshi
	IsOperationalAndOpen() bool
	IsHosted() bool
}

// Manager is a read-only iterable of the wallet's channels.
type Manager interface {
	Channels() []Channel
}

// Usable filters for channels that can carry payments right now.
func Usable(m Manager) []Channel {
	var out []Channel
	for _, ch := range m.Channels() {
		if ch.IsOperationalAndOpen() {
			out = append(out, ch)
		}
	}
	return out
}

// Snapshot is a plain-value Channel, produced by whatever owns the real
// channel state and consumed by the state machines and their tests.
type Snapshot struct {
	Peer        ln.RemoteNodeInfo
	CanSend     ln.MilliSatoshi
	CanReceive  ln.MilliSatoshi
	Operational bool
	Hosted      bool
}

func (s Snapshot) RemoteInfo() ln.RemoteNodeInfo        { return s.Peer }
func (s Snapshot) AvailableForSend() ln.MilliSatoshi    { return s.CanSend }
func (s Snapshot) AvailableForReceive() ln.MilliSatoshi { return s.CanReceive }
func (s Snapshot) IsOperationalAndOpen() bool           { return s.Operational }
func (s Snapshot) IsHosted() bool                       { return s.Hosted }

// Registry is an in-memory Manager fed by the channel owner as balances
// drift.
type Registry struct {
	mu    sync.Mutex
	chans map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{chans: make(map[string]Channel)}
}

func (r *Registry) Upsert(channelID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[channelID] = ch
}

func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chans, channelID)
}

func (r *Registry) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, 0, len(r.chans))
	for _, ch := range r.chans {
		out = append(out, ch)
	}
	return out
}
