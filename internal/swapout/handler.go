// Package swapout collects swap-out fee quotes from channel peers. Each
// request runs a one-shot state machine: wait up to 30 seconds for a
// first quote, then a further 5 seconds for stragglers, then report.
package swapout

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/fiatjaf/immortan/internal/channels"
	"github.com/fiatjaf/immortan/internal/comms"
	"github.com/fiatjaf/immortan/internal/fsm"
	"github.com/fiatjaf/immortan/internal/ln"
)

const (
	// MinChainFee is the floor under which a quoted feerate cannot
	// confirm; a quote sheet entirely below it is unusable.
	MinChainFee = btcutil.Amount(253)

	// FirstResponseTimeout bounds the wait for any quote at all.
	FirstResponseTimeout = 30 * time.Second

	// RestOfResponsesTimeout is the extra patience for additional quotes
	// once the first has arrived.
	RestOfResponsesTimeout = 5 * time.Second
)

type state int

const (
	stateInitial state = iota
	stateWaitingFirstResponse
	stateWaitingRestOfResponses
	stateFinalized
)

// ResponseExt pairs a provider's quote with the peer it came from.
type ResponseExt struct {
	Msg  ln.SwapOutResponse
	Info ln.RemoteNodeInfo
}

// Callbacks deliver the outcome to the caller. At most one of the three
// fires per handler lifetime; none fires if CMDCancel finalizes the
// handler before an outcome is reached.
type Callbacks struct {
	OnFound                    func(offers []ResponseExt)
	OnNoProviderSwapOutSupport func()
	OnTimeoutAndNoResponse     func()
}

// Tower is the slice of the comms layer the handler needs.
type Tower interface {
	Listen(ls []comms.Listener, info ln.RemoteNodeInfo)
	RemoveListener(info ln.RemoteNodeInfo, l comms.Listener)
	SendMany(msg ln.Message, pair ln.KeyPair)
}

// CMDStart seeds the handler with the hosted-channel counterparties worth
// asking.
type CMDStart struct {
	CapableCncs []channels.Channel
}

// CMDCancel detaches the handler's listeners and finalizes it. Safe to
// deliver repeatedly; it only acts in the waiting states.
type CMDCancel struct{}

type noSwapOutSupport struct {
	worker *comms.Worker
}

type yesSwapOutSupport struct {
	worker *comms.Worker
	msg    ln.SwapOutResponse
}

type doSearchForce struct{}

type syncPoint struct {
	done chan struct{}
}

type entry struct {
	info ln.RemoteNodeInfo
	resp *ResponseExt // nil while outstanding
}

// Handler is the per-request state machine. It registers itself as the
// private comms listener on every candidate peer and detaches on
// finalization without disturbing the channels.
type Handler struct {
	tower   Tower
	cb      Callbacks
	mailbox *fsm.Mailbox
	delay   func(d time.Duration, f func())

	state   state
	results map[ln.NodeID]*entry
}

func NewHandler(tower Tower, cb Callbacks) *Handler {
	return newHandler(tower, cb, func(d time.Duration, f func()) { time.AfterFunc(d, f) })
}

func newHandler(tower Tower, cb Callbacks, delay func(time.Duration, func())) *Handler {
	h := &Handler{
		tower:   tower,
		cb:      cb,
		mailbox: fsm.NewMailbox(),
		delay:   delay,
		results: make(map[ln.NodeID]*entry),
	}
	h.mailbox.Run(h.handle)
	return h
}

// Process enqueues an input for asynchronous handling and returns.
func (h *Handler) Process(msg interface{}) {
	h.mailbox.Deliver(msg)
}

// OnOperational probes a connected candidate: peers without the chain
// swap feature are dropped, the rest get a request.
func (h *Handler) OnOperational(w *comms.Worker, theirInit ln.Init) {
	if theirInit.Supports(ln.FeatureChainSwap) {
		h.tower.SendMany(ln.SwapOutRequest{}, w.Info.NodeSpecificPair)
	} else {
		h.Process(noSwapOutSupport{worker: w})
	}
}

func (h *Handler) OnDisconnect(w *comms.Worker) {}

func (h *Handler) OnSwapOutMessage(w *comms.Worker, msg ln.Message) {
	if resp, ok := msg.(ln.SwapOutResponse); ok {
		h.Process(yesSwapOutSupport{worker: w, msg: resp})
	}
}

func (h *Handler) handle(msg interface{}) {
	switch m := msg.(type) {
	case CMDStart:
		if h.state != stateInitial {
			return
		}
		for _, cnc := range m.CapableCncs {
			info := cnc.RemoteInfo()
			h.results[info.NodeID] = &entry{info: info}
		}
		h.state = stateWaitingFirstResponse
		for _, e := range h.results {
			h.tower.Listen([]comms.Listener{h}, e.info)
		}
		h.delay(FirstResponseTimeout, func() { h.Process(doSearchForce{}) })
		h.doSearch(false)

	case noSwapOutSupport:
		if !h.waiting() {
			return
		}
		h.dropPeer(m.worker.Info)
		h.doSearch(false)

	case yesSwapOutSupport:
		if !h.waiting() {
			return
		}
		e, ok := h.results[m.worker.Info.NodeID]
		if !ok {
			return
		}
		if unusable(m.msg) {
			// An offer we could never confirm with is the same as no
			// offer at all.
			h.dropPeer(m.worker.Info)
			h.doSearch(false)
			return
		}
		e.resp = &ResponseExt{Msg: m.msg, Info: m.worker.Info}
		if h.state == stateWaitingFirstResponse {
			h.state = stateWaitingRestOfResponses
			h.delay(RestOfResponsesTimeout, func() { h.Process(doSearchForce{}) })
		}
		h.doSearch(false)

	case doSearchForce:
		if !h.waiting() {
			return
		}
		h.doSearch(true)

	case CMDCancel:
		h.cancelNow()

	case syncPoint:
		close(m.done)
	}
}

// dropPeer forgets a peer that cannot or will not quote, detaching its
// listener so it stops receiving our callbacks.
func (h *Handler) dropPeer(info ln.RemoteNodeInfo) {
	if _, ok := h.results[info.NodeID]; !ok {
		return
	}
	delete(h.results, info.NodeID)
	h.tower.RemoveListener(info, h)
}

func (h *Handler) waiting() bool {
	return h.state == stateWaitingFirstResponse || h.state == stateWaitingRestOfResponses
}

// unusable reports whether every quoted feerate is below the chain floor.
func unusable(msg ln.SwapOutResponse) bool {
	for _, quote := range msg.Feerates {
		if quote.Fee >= MinChainFee {
			return false
		}
	}
	return true
}

func (h *Handler) responses() []ResponseExt {
	var out []ResponseExt
	for _, e := range h.results {
		if e.resp != nil {
			out = append(out, *e.resp)
		}
	}
	return out
}

func (h *Handler) doSearch(force bool) {
	responses := h.responses()
	switch {
	case len(h.results) > 0 && len(responses) == len(h.results):
		h.cb.OnFound(responses)
		h.cancelNow()
	case len(h.results) == 0:
		h.cb.OnNoProviderSwapOutSupport()
		h.cancelNow()
	case force && len(responses) > 0:
		h.cb.OnFound(responses)
		h.cancelNow()
	case force:
		h.cb.OnTimeoutAndNoResponse()
		h.cancelNow()
	}
}

// cancelNow detaches the private listener from every peer and finalizes.
// The channels themselves stay connected.
func (h *Handler) cancelNow() {
	if !h.waiting() {
		return
	}
	for _, e := range h.results {
		h.tower.RemoveListener(e.info, h)
	}
	h.state = stateFinalized
}

// Stop releases the mailbox once the caller is done with the handler.
func (h *Handler) Stop() {
	h.mailbox.Stop()
}

// sync blocks until every message delivered before it has been handled.
func (h *Handler) sync() {
	p := syncPoint{done: make(chan struct{})}
	h.mailbox.Deliver(p)
	<-p.done
}
