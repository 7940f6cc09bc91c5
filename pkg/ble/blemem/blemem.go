// Package blemem is an in-process Peripheral used by tests and the demo CLI.
// It records every characteristic write and lets callers inject notifications
// and link faults.
package blemem

import (
	"context"
	"errors"
	"sync"
	"time"

	"overdrive/pkg/ble"
	"overdrive/pkg/protocol"
)

var errInjected = errors.New("injected fault")

type char string

func (c char) UUID() string { return string(c) }

// Peripheral implements ble.Peripheral entirely in memory.
type Peripheral struct {
	mu        sync.Mutex
	connected bool
	connects  int
	writes    [][]byte
	handler   ble.NotificationHandler

	failConnects int
	failWrites   int
	failWaits    int

	// AutoPong, when set, answers every ping frame written to the write
	// characteristic with a pong notification. The subscribe handshake
	// relies on this reply.
	AutoPong bool

	notifCh chan []byte
}

// New returns a connectable fake with AutoPong enabled.
func New() *Peripheral {
	return &Peripheral{AutoPong: true, notifCh: make(chan []byte, 64)}
}

func (p *Peripheral) Connect(_ context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failConnects > 0 {
		p.failConnects--
		return ble.Errf("connect "+address, errInjected)
	}
	p.connected = true
	p.connects++
	return nil
}

func (p *Peripheral) DiscoverCharacteristic(uuid string) (ble.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ble.Errf("discover "+uuid, errors.New("not connected"))
	}
	switch uuid {
	case ble.ReadCharUUID, ble.WriteCharUUID:
		return char(uuid), nil
	}
	return nil, ble.Errf("discover "+uuid, errors.New("no such characteristic"))
}

func (p *Peripheral) WriteCharacteristic(c ble.Characteristic, data []byte) error {
	p.mu.Lock()
	if p.failWrites > 0 {
		p.failWrites--
		p.mu.Unlock()
		return ble.Errf("write "+c.UUID(), errInjected)
	}
	if !p.connected {
		p.mu.Unlock()
		return ble.Errf("write "+c.UUID(), errors.New("not connected"))
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.writes = append(p.writes, buf)
	auto := p.AutoPong
	p.mu.Unlock()

	if auto && len(data) >= 2 && data[1] == protocol.CmdPing {
		p.Inject([]byte{0x01, protocol.NotifyPong})
	}
	return nil
}

func (p *Peripheral) Subscribe(c ble.Characteristic, h ble.NotificationHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ble.Errf("subscribe "+c.UUID(), errors.New("not connected"))
	}
	p.handler = h
	return nil
}

func (p *Peripheral) WaitForNotification(timeout time.Duration) error {
	p.mu.Lock()
	if p.failWaits > 0 {
		p.failWaits--
		p.mu.Unlock()
		return ble.Errf("wait notification", errInjected)
	}
	h := p.handler
	p.mu.Unlock()

	select {
	case raw := <-p.notifCh:
		if h != nil {
			h(raw)
		}
	case <-time.After(timeout):
	}
	return nil
}

func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// Inject queues a raw notification frame for delivery on the next wait. Full
// queue drops the frame, the same way the radio would.
func (p *Peripheral) Inject(raw []byte) {
	select {
	case p.notifCh <- raw:
	default:
	}
}

// FailNextConnects makes the next n Connect calls fail with a link error.
func (p *Peripheral) FailNextConnects(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failConnects = n
}

// FailNextWrites makes the next n WriteCharacteristic calls fail.
func (p *Peripheral) FailNextWrites(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWrites = n
}

// FailNextWaits makes the next n WaitForNotification calls fail.
func (p *Peripheral) FailNextWaits(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWaits = n
}

// Writes returns a copy of every frame written so far, oldest first.
func (p *Peripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Connects reports how many times Connect succeeded.
func (p *Peripheral) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}
