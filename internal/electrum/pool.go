// Package electrum multiplexes several Electrum server connections behind
// a single chain-tip source. One connection is elected master; the rest
// are warm spares whose tips are tracked so reselection is instant.
package electrum

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/checksum0/go-electrum/electrum"
	"go.uber.org/atomic"

	"github.com/fiatjaf/immortan/internal/eventbus"
	"github.com/fiatjaf/immortan/internal/fsm"
	"github.com/fiatjaf/immortan/internal/logger"
)

const (
	// DefaultMaxConnections is how many servers the pool keeps live when
	// the caller does not say otherwise.
	DefaultMaxConnections = 3

	// ReconnectDelay is how long a failed or dropped server address is
	// left alone before a replacement connection is attempted.
	ReconnectDelay = 5 * time.Second

	// masterSwitchHysteresis is how many blocks ahead of the master a
	// peer must be before it takes over. Servers learn blocks slightly
	// out of order; switching on a one-block lead would flap.
	masterSwitchHysteresis = 2
)

// ErrNotConnected is returned by request and subscribe operations while no
// server has delivered a chain tip yet.
var ErrNotConnected = errors.New("electrum pool is not connected")

// ElectrumReady announces a usable master connection. On a master switch
// Source names the previous master; pool listeners ignore the field, but
// it lets subscription owners know whose state to reset.
type ElectrumReady struct {
	Source ServerAddr
	Height int32
	Tip    *wire.BlockHeader
	Addr   ServerAddr
}

// ElectrumDisconnected announces the loss of the master connection.
type ElectrumDisconnected struct{}

// BlockCountUpdated is published on the event bus whenever the monotonic
// chain height advances.
type BlockCountUpdated struct {
	Height uint64
}

// ServerDropped is published on the event bus for every individual server
// connection lost, master or not. Pool listeners only hear about the
// master; health tracking wants them all.
type ServerDropped struct {
	Addr ServerAddr
}

// StatusListener observes pool-level connectivity.
type StatusListener interface {
	OnElectrumReady(ev ElectrumReady)
	OnElectrumDisconnected()
}

// HeaderListener observes new chain tips from the current master.
type HeaderListener interface {
	OnNewTip(height int32, header *wire.BlockHeader)
}

// ScriptHashListener observes confirmed/mempool history changes for a
// watched script hash.
type ScriptHashListener interface {
	OnScriptHashChange(scripthash string, history []*electrum.GetMempoolResult)
}

// Status is a point-in-time connectivity snapshot for operator tooling.
type Status struct {
	Connected bool
	Addr      ServerAddr
	Height    int32
	Servers   int
}

// Config carries pool construction parameters.
type Config struct {
	// ChainHash selects the server resource list. Unknown hashes fail
	// construction.
	ChainHash chainhash.Hash

	// MaxConnections bounds concurrent server connections.
	MaxConnections int

	// UseOnion keeps .onion endpoints in the candidate list.
	UseOnion bool

	// CustomAddress, when set, replaces the resource list entirely.
	CustomAddress *ServerAddr

	// Bus receives ElectrumReady/ElectrumDisconnected/BlockCountUpdated.
	Bus *eventbus.Stream

	// Dial and Delay default to DialServer and time.AfterFunc; tests
	// substitute both.
	Dial  func(ctx context.Context, addr ServerAddr) (Conn, error)
	Delay func(d time.Duration, f func())
}

type tip struct {
	height int32
	header *wire.BlockHeader
}

type scriptSub struct {
	listeners []ScriptHashListener
	digest    string
}

// Pool supervises the connections and owns master election. Everything
// below the mailbox is confined to the mailbox goroutine.
type Pool struct {
	cfg        Config
	servers    []ServerAddr
	mailbox    *fsm.Mailbox
	quit       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	blockCount *atomic.Uint64

	addresses       map[Conn]ServerAddr
	attempting      map[ServerAddr]struct{}
	master          Conn
	tips            map[Conn]tip
	statusListeners []StatusListener
	headerListeners []HeaderListener
	scriptSubs      map[string]*scriptSub
}

// Pool mailbox messages.
type (
	cmdConnect      struct{}
	connEstablished struct {
		conn Conn
		addr ServerAddr
	}
	connFailed struct {
		addr ServerAddr
	}
	connReady struct {
		conn   Conn
		height int32
		header *wire.BlockHeader
	}
	headerUpdate struct {
		conn   Conn
		height int32
		header *wire.BlockHeader
	}
	connDisconnected struct {
		conn Conn
	}
	addStatusListener struct {
		listener StatusListener
	}
	subscribeHeaders struct {
		listener HeaderListener
		reply    chan error
	}
	subscribeScriptHash struct {
		scripthash string
		listener   ScriptHashListener
		reply      chan error
	}
	scriptHashHistory struct {
		scripthash string
		digest     string
		history    []*electrum.GetMempoolResult
	}
	masterRequest struct {
		reply chan masterReply
	}
	statusRequest struct {
		reply chan Status
	}
	cmdStop struct {
		done chan struct{}
	}
	poolSync struct {
		done chan struct{}
	}
)

type masterReply struct {
	conn Conn
	err  error
}

// NewPool resolves the server candidate list and starts the message loop.
// It does not open any connection until InitConnect.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Dial == nil {
		cfg.Dial = DialServer
	}
	if cfg.Delay == nil {
		cfg.Delay = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New()
	}

	var servers []ServerAddr
	if cfg.CustomAddress != nil {
		servers = []ServerAddr{*cfg.CustomAddress}
	} else {
		var err error
		servers, err = ReadServerAddresses(cfg.ChainHash, cfg.UseOnion)
		if err != nil {
			return nil, fmt.Errorf("failed to load electrum servers: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		servers:    servers,
		mailbox:    fsm.NewMailbox(),
		quit:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		blockCount: atomic.NewUint64(0),
		addresses:  make(map[Conn]ServerAddr),
		attempting: make(map[ServerAddr]struct{}),
		tips:       make(map[Conn]tip),
		scriptSubs: make(map[string]*scriptSub),
	}
	p.mailbox.Run(p.handle)
	return p, nil
}

// InitConnect launches the initial batch of connection attempts.
func (p *Pool) InitConnect() {
	n := p.cfg.MaxConnections
	if len(p.servers) < n {
		n = len(p.servers)
	}
	for i := 0; i < n; i++ {
		p.mailbox.Deliver(cmdConnect{})
	}
}

// AddStatusListener registers l. If the pool is already connected, l
// observes a synthetic ElectrumReady so it never has to wait for the next
// real event.
func (p *Pool) AddStatusListener(l StatusListener) {
	p.mailbox.Deliver(addStatusListener{listener: l})
}

// SubscribeToHeaders attaches a chain-tip listener to the master. Fails
// while disconnected.
func (p *Pool) SubscribeToHeaders(l HeaderListener) error {
	reply := make(chan error, 1)
	p.mailbox.Deliver(subscribeHeaders{listener: l, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-p.quit:
		return ErrNotConnected
	}
}

// SubscribeToScriptHash watches a script hash for history changes. The
// hash is re-checked against the master on every new tip. Fails while
// disconnected.
func (p *Pool) SubscribeToScriptHash(scripthash string, l ScriptHashListener) error {
	reply := make(chan error, 1)
	p.mailbox.Deliver(subscribeScriptHash{scripthash: scripthash, listener: l, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-p.quit:
		return ErrNotConnected
	}
}

// GetRawTransaction fetches a raw transaction hex from the master.
func (p *Pool) GetRawTransaction(ctx context.Context, txid string) (string, error) {
	conn, err := p.masterConn()
	if err != nil {
		return "", err
	}
	return conn.GetRawTransaction(ctx, txid)
}

// GetHistory fetches script hash history from the master.
func (p *Pool) GetHistory(ctx context.Context, scripthash string) ([]*electrum.GetMempoolResult, error) {
	conn, err := p.masterConn()
	if err != nil {
		return nil, err
	}
	return conn.GetHistory(ctx, scripthash)
}

// BlockCount is the monotonic published chain height.
func (p *Pool) BlockCount() uint64 {
	return p.blockCount.Load()
}

// Status reports current connectivity.
func (p *Pool) Status() Status {
	reply := make(chan Status, 1)
	p.mailbox.Deliver(statusRequest{reply: reply})
	select {
	case st := <-reply:
		return st
	case <-p.quit:
		return Status{}
	}
}

// Stop tears down every connection and halts the message loop.
func (p *Pool) Stop() {
	done := make(chan struct{})
	p.mailbox.Deliver(cmdStop{done: done})
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	close(p.quit)
	p.cancel()
	p.mailbox.Stop()
}

func (p *Pool) masterConn() (Conn, error) {
	reply := make(chan masterReply, 1)
	p.mailbox.Deliver(masterRequest{reply: reply})
	select {
	case r := <-reply:
		return r.conn, r.err
	case <-p.quit:
		return nil, ErrNotConnected
	}
}

func (p *Pool) handle(msg interface{}) {
	switch m := msg.(type) {
	case cmdConnect:
		p.handleConnect()

	case connEstablished:
		delete(p.attempting, m.addr)
		p.addresses[m.conn] = m.addr

	case connFailed:
		delete(p.attempting, m.addr)
		p.scheduleReconnect()

	case connReady:
		if _, ok := p.addresses[m.conn]; !ok {
			return
		}
		p.handleHeader(m.conn, m.height, m.header)

	case headerUpdate:
		if _, ok := p.addresses[m.conn]; !ok {
			return
		}
		p.handleHeader(m.conn, m.height, m.header)

	case connDisconnected:
		p.handleDisconnect(m.conn)

	case addStatusListener:
		p.statusListeners = append(p.statusListeners, m.listener)
		if p.master != nil {
			mt := p.tips[p.master]
			addr := p.addresses[p.master]
			m.listener.OnElectrumReady(ElectrumReady{
				Source: addr, Height: mt.height, Tip: mt.header, Addr: addr,
			})
		}

	case subscribeHeaders:
		if p.master == nil {
			m.reply <- ErrNotConnected
			return
		}
		p.headerListeners = append(p.headerListeners, m.listener)
		mt := p.tips[p.master]
		m.listener.OnNewTip(mt.height, mt.header)
		m.reply <- nil

	case subscribeScriptHash:
		if p.master == nil {
			m.reply <- ErrNotConnected
			return
		}
		sub, ok := p.scriptSubs[m.scripthash]
		if !ok {
			sub = &scriptSub{}
			p.scriptSubs[m.scripthash] = sub
		}
		sub.listeners = append(sub.listeners, m.listener)
		p.pollScriptHash(p.master, m.scripthash)
		m.reply <- nil

	case scriptHashHistory:
		sub, ok := p.scriptSubs[m.scripthash]
		if !ok || sub.digest == m.digest {
			return
		}
		sub.digest = m.digest
		for _, l := range sub.listeners {
			l.OnScriptHashChange(m.scripthash, m.history)
		}

	case masterRequest:
		if p.master == nil {
			m.reply <- masterReply{err: ErrNotConnected}
			return
		}
		m.reply <- masterReply{conn: p.master}

	case statusRequest:
		st := Status{Servers: len(p.addresses)}
		if p.master != nil {
			st.Connected = true
			st.Addr = p.addresses[p.master]
			st.Height = p.tips[p.master].height
		}
		m.reply <- st

	case cmdStop:
		for conn := range p.addresses {
			conn.Shutdown()
		}
		p.addresses = make(map[Conn]ServerAddr)
		p.tips = make(map[Conn]tip)
		p.master = nil
		close(m.done)

	case poolSync:
		close(m.done)
	}
}

func (p *Pool) handleConnect() {
	if len(p.addresses)+len(p.attempting) >= p.cfg.MaxConnections {
		return
	}
	addr, ok := p.pickAddress()
	if !ok {
		logger.Info("electrum: no unused server addresses left")
		return
	}
	p.attempting[addr] = struct{}{}
	go p.establish(addr)
}

// pickAddress returns a uniform random candidate not already attempted or
// active.
func (p *Pool) pickAddress() (ServerAddr, bool) {
	used := make(map[ServerAddr]struct{}, len(p.addresses)+len(p.attempting))
	for _, addr := range p.addresses {
		used[addr] = struct{}{}
	}
	for addr := range p.attempting {
		used[addr] = struct{}{}
	}

	var free []ServerAddr
	for _, addr := range p.servers {
		if _, taken := used[addr]; !taken {
			free = append(free, addr)
		}
	}
	if len(free) == 0 {
		return ServerAddr{}, false
	}
	return free[rand.Intn(len(free))], true
}

// establish runs off the mailbox goroutine: it dials, subscribes to
// headers, and pumps results back in as messages until the stream dies.
func (p *Pool) establish(addr ServerAddr) {
	conn, err := p.cfg.Dial(p.ctx, addr)
	if err != nil {
		log.Printf("electrum: connect to %s failed: %v", addr, err)
		p.mailbox.Deliver(connFailed{addr: addr})
		return
	}
	p.mailbox.Deliver(connEstablished{conn: conn, addr: addr})

	headers, err := conn.SubscribeHeaders(p.ctx)
	if err != nil {
		log.Printf("electrum: header subscription on %s failed: %v", addr, err)
		p.mailbox.Deliver(connDisconnected{conn: conn})
		return
	}

	first := true
	for result := range headers {
		header, err := decodeHeader(result.Hex)
		if err != nil {
			logger.Error("electrum: bad header from ", addr.String(), ": ", err)
			continue
		}
		if first {
			first = false
			p.mailbox.Deliver(connReady{conn: conn, height: result.Height, header: header})
		} else {
			p.mailbox.Deliver(headerUpdate{conn: conn, height: result.Height, header: header})
		}
	}
	p.mailbox.Deliver(connDisconnected{conn: conn})
}

func decodeHeader(headerHex string) (*wire.BlockHeader, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header hex: %v", err)
	}
	header := new(wire.BlockHeader)
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize header: %v", err)
	}
	return header, nil
}

// handleHeader folds a fresh tip into the pool state: first tip installs a
// master, a far-enough-ahead tip from a non-master switches masters, and
// anything else just refreshes the tips map.
func (p *Pool) handleHeader(conn Conn, height int32, header *wire.BlockHeader) {
	p.updateBlockCount(height)
	addr := p.addresses[conn]

	if p.master == nil {
		p.tips = map[Conn]tip{conn: {height: height, header: header}}
		p.master = conn
		p.notifyReady(ElectrumReady{Source: addr, Height: height, Tip: header, Addr: addr})
		p.masterTipChanged()
		return
	}

	if conn != p.master && height > p.tips[p.master].height+masterSwitchHysteresis {
		oldAddr := p.addresses[p.master]
		p.tips[conn] = tip{height: height, header: header}
		p.master = conn
		p.notifyDisconnected()
		p.notifyReady(ElectrumReady{Source: oldAddr, Height: height, Tip: header, Addr: addr})
		p.masterTipChanged()
		return
	}

	p.tips[conn] = tip{height: height, header: header}
	if conn == p.master {
		p.masterTipChanged()
	}
}

func (p *Pool) handleDisconnect(conn Conn) {
	addr, ok := p.addresses[conn]
	if !ok {
		return
	}
	delete(p.addresses, conn)
	conn.Shutdown()
	p.scheduleReconnect()
	p.cfg.Bus.Publish(ServerDropped{Addr: addr})
	log.Printf("electrum: lost connection to %s", addr)

	if p.master == nil {
		return
	}
	if _, hadTip := p.tips[conn]; !hadTip {
		return
	}
	delete(p.tips, conn)
	if conn != p.master {
		// A warm spare died; the master and its subscribers are
		// untouched.
		return
	}

	if len(p.tips) == 0 {
		p.master = nil
		p.notifyDisconnected()
		return
	}

	best := p.electBest()
	bt := p.tips[best]
	p.master = best
	p.updateBlockCount(bt.height)
	bestAddr := p.addresses[best]
	p.notifyReady(ElectrumReady{Source: bestAddr, Height: bt.height, Tip: bt.header, Addr: bestAddr})
	p.masterTipChanged()
}

// electBest picks the highest tip; equal heights break on address so the
// choice is deterministic.
func (p *Pool) electBest() Conn {
	type candidate struct {
		conn   Conn
		height int32
		addr   string
	}
	cands := make([]candidate, 0, len(p.tips))
	for conn, t := range p.tips {
		cands = append(cands, candidate{conn: conn, height: t.height, addr: p.addresses[conn].String()})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].height != cands[j].height {
			return cands[i].height > cands[j].height
		}
		return cands[i].addr < cands[j].addr
	})
	return cands[0].conn
}

func (p *Pool) scheduleReconnect() {
	p.cfg.Delay(ReconnectDelay, func() {
		p.mailbox.Deliver(cmdConnect{})
	})
}

// updateBlockCount raises the published height; writes that would lower
// it are dropped.
func (p *Pool) updateBlockCount(height int32) {
	if height < 0 {
		return
	}
	h := uint64(height)
	for {
		cur := p.blockCount.Load()
		if h <= cur {
			return
		}
		if p.blockCount.CAS(cur, h) {
			p.cfg.Bus.Publish(BlockCountUpdated{Height: h})
			return
		}
	}
}

func (p *Pool) notifyReady(ev ElectrumReady) {
	for _, l := range p.statusListeners {
		l.OnElectrumReady(ev)
	}
	p.cfg.Bus.Publish(ev)
}

func (p *Pool) notifyDisconnected() {
	for _, l := range p.statusListeners {
		l.OnElectrumDisconnected()
	}
	p.cfg.Bus.Publish(ElectrumDisconnected{})
}

// masterTipChanged pushes the new tip to header listeners and re-polls
// every watched script hash against the (possibly new) master.
func (p *Pool) masterTipChanged() {
	mt := p.tips[p.master]
	for _, l := range p.headerListeners {
		l.OnNewTip(mt.height, mt.header)
	}
	for scripthash := range p.scriptSubs {
		p.pollScriptHash(p.master, scripthash)
	}
}

// pollScriptHash fetches history off-mailbox and reports back with a
// digest, so unchanged history costs the listeners nothing.
func (p *Pool) pollScriptHash(conn Conn, scripthash string) {
	go func() {
		history, err := conn.GetHistory(p.ctx, scripthash)
		if err != nil {
			// The next tip retries; a dead conn also surfaces as a
			// disconnect through the header pump.
			return
		}
		raw, err := json.Marshal(history)
		if err != nil {
			return
		}
		digest := fmt.Sprintf("%x", sha256.Sum256(raw))
		p.mailbox.Deliver(scriptHashHistory{scripthash: scripthash, digest: digest, history: history})
	}()
}

// syncWait flushes the mailbox; used by tests to observe quiescent state.
func (p *Pool) syncWait() {
	s := poolSync{done: make(chan struct{})}
	p.mailbox.Deliver(s)
	<-s.done
}
