// Package fsm carries the execution discipline shared by the wallet's
// state machines: every machine owns a mailbox drained by a single
// goroutine, so handlers read and write machine state without locking.
package fsm

import (
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// Mailbox is an unbounded FIFO of messages consumed by exactly one
// goroutine. Deliver never blocks the sender.
type Mailbox struct {
	q        *queue.ConcurrentQueue
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewMailbox() *Mailbox {
	m := &Mailbox{
		q:    queue.NewConcurrentQueue(16),
		quit: make(chan struct{}),
	}
	m.q.Start()
	return m
}

// Deliver enqueues msg for the consumer. Messages delivered after Stop are
// dropped.
func (m *Mailbox) Deliver(msg interface{}) {
	select {
	case m.q.ChanIn() <- msg:
	case <-m.quit:
	}
}

// Run starts the consumer goroutine. handle is invoked for each message in
// delivery order and must not be called from anywhere else.
func (m *Mailbox) Run(handle func(msg interface{})) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case msg := <-m.q.ChanOut():
				handle(msg)
			case <-m.quit:
				return
			}
		}
	}()
}

// Stop terminates the consumer and releases the queue. Idempotent.
func (m *Mailbox) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		m.wg.Wait()
		m.q.Stop()
	})
}
