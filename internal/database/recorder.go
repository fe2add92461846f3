package statedb

import (
	"log"

	"github.com/btcsuite/btcd/wire"

	"github.com/fiatjaf/immortan/internal/electrum"
)

// Recorder bridges pool events into the state store. Write failures are
// logged and dropped; the store is advisory.
type Recorder struct {
	network string
}

func NewRecorder(network string) *Recorder {
	return &Recorder{network: network}
}

func (r *Recorder) OnElectrumReady(ev electrum.ElectrumReady) {
	if err := RecordServerConnected(ev.Addr.Host, ev.Addr.Port, ev.Height); err != nil {
		log.Printf("statedb: failed to record server connect: %v", err)
	}
}

func (r *Recorder) OnElectrumDisconnected() {
	// The pool does not name the lost endpoint here; per-server drops
	// arrive through OnServerDropped instead.
}

func (r *Recorder) OnServerDropped(ev electrum.ServerDropped) {
	if err := RecordServerDisconnected(ev.Addr.Host, ev.Addr.Port); err != nil {
		log.Printf("statedb: failed to record server disconnect: %v", err)
	}
}

func (r *Recorder) OnNewTip(height int32, header *wire.BlockHeader) {
	hash := header.BlockHash()
	if err := SetChainCheckpoint(r.network, height, hash.String()); err != nil {
		log.Printf("statedb: failed to record checkpoint: %v", err)
	}
}
