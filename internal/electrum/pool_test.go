package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/checksum0/go-electrum/electrum"
	"github.com/stretchr/testify/require"

	"github.com/fiatjaf/immortan/internal/eventbus"
)

type fakeConn struct {
	addr    ServerAddr
	headers chan *electrum.SubscribeHeadersResult

	mu       sync.Mutex
	shutdown bool
	history  []*electrum.GetMempoolResult
}

func (f *fakeConn) SubscribeHeaders(ctx context.Context) (<-chan *electrum.SubscribeHeadersResult, error) {
	return f.headers, nil
}

func (f *fakeConn) GetHistory(ctx context.Context, scripthash string) ([]*electrum.GetMempoolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeConn) GetRawTransaction(ctx context.Context, txid string) (string, error) {
	return "beef", nil
}

func (f *fakeConn) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

// reportTip feeds one header notification through the fake server.
func (f *fakeConn) reportTip(t *testing.T, height int32) {
	t.Helper()
	f.headers <- &electrum.SubscribeHeadersResult{Height: height, Hex: headerHex(t, height)}
}

func headerHex(t *testing.T, height int32) string {
	t.Helper()
	h := wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1700000000+int64(height), 0),
		Bits:      0x1d00ffff,
		Nonce:     uint32(height),
	}
	var buf bytes.Buffer
	require.NoError(t, h.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

type poolEvent struct {
	kind   string
	source ServerAddr
	addr   ServerAddr
	height int32
}

type eventRecorder struct {
	mu     sync.Mutex
	events []poolEvent
}

func (r *eventRecorder) OnElectrumReady(ev ElectrumReady) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, poolEvent{kind: "ready", source: ev.Source, addr: ev.Addr, height: ev.Height})
}

func (r *eventRecorder) OnElectrumDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, poolEvent{kind: "disconnected"})
}

func (r *eventRecorder) snapshot() []poolEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]poolEvent(nil), r.events...)
}

type poolHarness struct {
	pool     *Pool
	recorder *eventRecorder

	mu      sync.Mutex
	conns   map[ServerAddr]*fakeConn
	delayed []func()
}

func (h *poolHarness) conn(addr ServerAddr) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[addr]
}

func (h *poolHarness) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *poolHarness) delayedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delayed)
}

func testServers(n int) []ServerAddr {
	out := make([]ServerAddr, n)
	for i := range out {
		out[i] = ServerAddr{Host: fmt.Sprintf("server-%d.example.com", i), Port: 50002}
	}
	return out
}

func newTestPool(t *testing.T, servers []ServerAddr, maxConns int) *poolHarness {
	t.Helper()
	h := &poolHarness{
		recorder: &eventRecorder{},
		conns:    make(map[ServerAddr]*fakeConn),
	}

	cfg := Config{
		ChainHash:      *chaincfg.MainNetParams.GenesisHash,
		MaxConnections: maxConns,
		Bus:            eventbus.New(),
		Dial: func(ctx context.Context, addr ServerAddr) (Conn, error) {
			conn := &fakeConn{
				addr:    addr,
				headers: make(chan *electrum.SubscribeHeadersResult, 8),
			}
			h.mu.Lock()
			h.conns[addr] = conn
			h.mu.Unlock()
			return conn, nil
		},
		Delay: func(d time.Duration, f func()) {
			h.mu.Lock()
			h.delayed = append(h.delayed, f)
			h.mu.Unlock()
		},
	}

	pool, err := NewPool(cfg)
	require.NoError(t, err)
	pool.servers = servers
	t.Cleanup(pool.Stop)

	pool.AddStatusListener(h.recorder)
	h.pool = pool
	return h
}

// connectAll brings up every server and reports the given heights in
// order, so the first entry becomes master.
func (h *poolHarness) connectAll(t *testing.T, servers []ServerAddr, heights []int32) {
	t.Helper()
	h.pool.InitConnect()
	require.Eventually(t, func() bool { return h.connCount() == len(servers) },
		time.Second, time.Millisecond)

	for i, addr := range servers {
		h.conn(addr).reportTip(t, heights[i])
		require.Eventually(t, func() bool {
			return h.pool.BlockCount() >= uint64(heights[i]) && h.pool.Status().Connected
		}, time.Second, time.Millisecond)
	}
	h.pool.syncWait()
}

func TestMasterElectionHysteresis(t *testing.T) {
	servers := testServers(4)
	h := newTestPool(t, servers, 4)
	h.connectAll(t, servers, []int32{700000, 700000, 700001, 700000})

	events := h.recorder.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "ready", events[0].kind)
	require.Equal(t, servers[0], events[0].addr)
	require.Equal(t, int32(700000), events[0].height)

	// Two blocks ahead of the master is within the hysteresis window.
	h.conn(servers[3]).reportTip(t, 700002)
	require.Eventually(t, func() bool { return h.pool.BlockCount() == 700002 },
		time.Second, time.Millisecond)
	h.pool.syncWait()
	require.Len(t, h.recorder.snapshot(), 1)
	require.Equal(t, servers[0], h.pool.Status().Addr)

	// Three blocks ahead is not; the pool switches masters.
	h.conn(servers[3]).reportTip(t, 700003)
	require.Eventually(t, func() bool { return h.pool.Status().Addr == servers[3] },
		time.Second, time.Millisecond)

	events = h.recorder.snapshot()
	require.Len(t, events, 3)
	require.Equal(t, "disconnected", events[1].kind)
	require.Equal(t, "ready", events[2].kind)
	// The ready names the replaced master as its source.
	require.Equal(t, servers[0], events[2].source)
	require.Equal(t, servers[3], events[2].addr)
	require.Equal(t, int32(700003), events[2].height)
}

func TestNonMasterDisconnectIsQuiet(t *testing.T) {
	servers := testServers(3)
	h := newTestPool(t, servers, 3)
	h.connectAll(t, servers, []int32{700000, 700000, 700001})

	before := h.delayedCount()
	close(h.conn(servers[1]).headers)

	require.Eventually(t, func() bool { return h.pool.Status().Servers == 2 },
		time.Second, time.Millisecond)
	h.pool.syncWait()

	// Still connected to the same master, no events, one reconnect
	// scheduled.
	st := h.pool.Status()
	require.True(t, st.Connected)
	require.Equal(t, servers[0], st.Addr)
	require.Len(t, h.recorder.snapshot(), 1)
	require.Equal(t, before+1, h.delayedCount())
}

func TestMasterDisconnectPromotesBestTip(t *testing.T) {
	servers := testServers(2)
	h := newTestPool(t, servers, 2)
	h.connectAll(t, servers, []int32{700003, 700005})

	// 700005 is exactly master+2: within hysteresis, no switch yet.
	require.Equal(t, servers[0], h.pool.Status().Addr)
	require.Len(t, h.recorder.snapshot(), 1)

	close(h.conn(servers[0]).headers)
	require.Eventually(t, func() bool { return h.pool.Status().Addr == servers[1] },
		time.Second, time.Millisecond)

	events := h.recorder.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, "ready", events[1].kind)
	require.Equal(t, servers[1], events[1].addr)
	require.Equal(t, int32(700005), events[1].height)
}

func TestLastDisconnectDowngradesPool(t *testing.T) {
	servers := testServers(1)
	h := newTestPool(t, servers, 1)
	h.connectAll(t, servers, []int32{700000})

	close(h.conn(servers[0]).headers)
	require.Eventually(t, func() bool { return !h.pool.Status().Connected },
		time.Second, time.Millisecond)

	events := h.recorder.snapshot()
	require.Equal(t, "disconnected", events[len(events)-1].kind)

	_, err := h.pool.GetRawTransaction(context.Background(), "aa")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestBlockCountIsMonotonic(t *testing.T) {
	servers := testServers(1)
	h := newTestPool(t, servers, 1)
	h.connectAll(t, servers, []int32{700010})

	h.pool.updateBlockCount(700009)
	require.Equal(t, uint64(700010), h.pool.BlockCount())

	h.pool.updateBlockCount(700011)
	require.Equal(t, uint64(700011), h.pool.BlockCount())
}

func TestRequestsRequireConnection(t *testing.T) {
	h := newTestPool(t, testServers(2), 2)

	_, err := h.pool.GetRawTransaction(context.Background(), "aa")
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = h.pool.GetHistory(context.Background(), "bb")
	require.ErrorIs(t, err, ErrNotConnected)

	err = h.pool.SubscribeToHeaders(tipWaiter{ch: make(chan int32, 1)})
	require.ErrorIs(t, err, ErrNotConnected)

	err = h.pool.SubscribeToScriptHash("cc", scriptWaiter{ch: make(chan string, 1)})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestsDelegateToMaster(t *testing.T) {
	servers := testServers(1)
	h := newTestPool(t, servers, 1)
	h.connectAll(t, servers, []int32{700000})

	raw, err := h.pool.GetRawTransaction(context.Background(), "aa")
	require.NoError(t, err)
	require.Equal(t, "beef", raw)
}

func TestLateStatusListenerSeesSyntheticReady(t *testing.T) {
	servers := testServers(1)
	h := newTestPool(t, servers, 1)
	h.connectAll(t, servers, []int32{700000})

	late := &eventRecorder{}
	h.pool.AddStatusListener(late)
	require.Eventually(t, func() bool { return len(late.snapshot()) == 1 },
		time.Second, time.Millisecond)

	ev := late.snapshot()[0]
	require.Equal(t, "ready", ev.kind)
	require.Equal(t, servers[0], ev.addr)
	require.Equal(t, int32(700000), ev.height)
}

type tipWaiter struct {
	ch chan int32
}

func (w tipWaiter) OnNewTip(height int32, header *wire.BlockHeader) {
	select {
	case w.ch <- height:
	default:
	}
}

func TestHeaderSubscriptionFollowsMaster(t *testing.T) {
	servers := testServers(1)
	h := newTestPool(t, servers, 1)
	h.connectAll(t, servers, []int32{700000})

	w := tipWaiter{ch: make(chan int32, 4)}
	require.NoError(t, h.pool.SubscribeToHeaders(w))
	require.Equal(t, int32(700000), <-w.ch)

	h.conn(servers[0]).reportTip(t, 700001)
	require.Equal(t, int32(700001), <-w.ch)
}

type scriptWaiter struct {
	ch chan string
}

func (w scriptWaiter) OnScriptHashChange(scripthash string, history []*electrum.GetMempoolResult) {
	select {
	case w.ch <- scripthash:
	default:
	}
}

func TestScriptHashWatchNotifiesOnChange(t *testing.T) {
	servers := testServers(1)
	h := newTestPool(t, servers, 1)
	h.connectAll(t, servers, []int32{700000})

	w := scriptWaiter{ch: make(chan string, 4)}
	require.NoError(t, h.pool.SubscribeToScriptHash("deadbeef", w))

	// First poll reports the initial (empty) history.
	require.Equal(t, "deadbeef", <-w.ch)

	// A new tip with unchanged history stays quiet.
	h.conn(servers[0]).reportTip(t, 700001)
	require.Eventually(t, func() bool { return h.pool.BlockCount() == 700001 },
		time.Second, time.Millisecond)
	h.pool.syncWait()
	select {
	case sh := <-w.ch:
		t.Fatalf("unexpected notification for %s", sh)
	default:
	}

	// History growth on the next tip is reported.
	c := h.conn(servers[0])
	c.mu.Lock()
	c.history = []*electrum.GetMempoolResult{{}}
	c.mu.Unlock()
	c.reportTip(t, 700002)
	require.Equal(t, "deadbeef", <-w.ch)
}

func TestPickAddressExhaustion(t *testing.T) {
	servers := testServers(1)
	h := newTestPool(t, servers, 3)
	h.connectAll(t, servers, []int32{700000})

	// Every candidate is in use; another connect request is a no-op.
	h.pool.mailbox.Deliver(cmdConnect{})
	h.pool.syncWait()
	require.Equal(t, 1, h.connCount())
}
