// Package vehicle implements the driver session for one car: link
// establishment and mode negotiation, the public command API, and the
// background worker multiplexing command writes against notification polls.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"overdrive/pkg/ble"
	"overdrive/pkg/protocol"
)

// State is the session connection state. Transitions are owned by the
// session manager (construction, teardown) and the delivery worker (link
// failures), never by callers.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Callback signatures. Callbacks run on their own short-lived goroutines and
// may block freely without stalling command delivery.
type (
	LocationChangeFunc func(addr string, location, piece uint8, speed uint16, clockwise bool)
	TransitionFunc     func(addr string)
	PongFunc           func(addr string)
)

// Options tunes link timing. Zero values fall back to defaults.
type Options struct {
	// Handshake retry backoff
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  time.Duration

	// NotifyPoll is the worker's per-iteration notification wait when the
	// command queue is empty.
	NotifyPoll time.Duration

	// SubscribeWait bounds each wait validating a subscribe attempt.
	SubscribeWait time.Duration

	// MaxInFlightCallbacks caps concurrently running notification callbacks.
	MaxInFlightCallbacks int64
}

func (o Options) withDefaults() Options {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.NotifyPoll <= 0 {
		o.NotifyPoll = time.Millisecond
	}
	if o.SubscribeWait <= 0 {
		o.SubscribeWait = 3 * time.Second
	}
	if o.MaxInFlightCallbacks <= 0 {
		o.MaxInFlightCallbacks = 32
	}
	return o
}

// subscribeAttempts bounds verification pings per handshake; the handshake
// itself is retried indefinitely by the caller.
const subscribeAttempts = 5

// Vehicle is one driver session. The peripheral handle is owned by the
// constructing goroutine until the worker starts, then by the worker alone.
type Vehicle struct {
	addr string
	per  ble.Peripheral
	opts Options

	queue *commandQueue
	sem   *semaphore.Weighted

	state     atomic.Int32
	connected atomic.Bool
	notifSeen atomic.Int64

	workerLive atomic.Bool
	workerDone chan struct{}

	readChar  ble.Characteristic
	writeChar ble.Characteristic

	cbMu         sync.RWMutex
	onLocation   LocationChangeFunc
	onTransition TransitionFunc
	onPong       PongFunc

	telMu    sync.RWMutex
	speed    uint16
	location uint8
	piece    uint8
}

// Dial connects to the car at the given address and returns a live session.
// It retries the handshake indefinitely, so an unreachable address blocks
// until ctx is cancelled; callers wanting a bound wrap the context.
func Dial(ctx context.Context, per ble.Peripheral, address string, opts Options) (*Vehicle, error) {
	v := &Vehicle{
		addr:  address,
		per:   per,
		opts:  opts.withDefaults(),
		queue: newCommandQueue(),
	}
	v.sem = semaphore.NewWeighted(v.opts.MaxInFlightCallbacks)

	backoff := v.opts.BackoffInitial
	for {
		err := v.handshake(ctx)
		if err == nil {
			break
		}
		zap.L().Warn("handshake failed", zap.String("addr", address), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(withJitter(backoff, v.opts.BackoffJitter)):
		}
		backoff = nextBackoff(backoff, v.opts.BackoffMax)
	}

	v.connected.Store(true)
	v.state.Store(int32(StateConnected))
	v.startWorker()
	zap.L().Info("vehicle session up", zap.String("addr", address))
	return v, nil
}

// handshake performs one full link setup attempt: connect, resolve the two
// protocol characteristics, enable SDK mode, subscribe and verify that
// notifications actually flow.
func (v *Vehicle) handshake(ctx context.Context) error {
	if err := v.per.Connect(ctx, v.addr); err != nil {
		return err
	}
	read, err := v.per.DiscoverCharacteristic(ble.ReadCharUUID)
	if err != nil {
		return err
	}
	write, err := v.per.DiscoverCharacteristic(ble.WriteCharUUID)
	if err != nil {
		return err
	}
	v.readChar, v.writeChar = read, write

	if err := v.per.WriteCharacteristic(v.writeChar, protocol.EncodeSDKMode()); err != nil {
		return err
	}
	if err := v.per.Subscribe(v.readChar, v.handleNotification); err != nil {
		return err
	}
	return v.verifySubscribe(ctx)
}

// verifySubscribe confirms the subscription by pinging the car and watching
// for any notification. The seen-counter is reset right before every attempt
// and read only here, on the goroutine driving the handshake.
func (v *Vehicle) verifySubscribe(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.notifSeen.Store(0)
		if err := v.per.WriteCharacteristic(v.writeChar, protocol.EncodePing()); err != nil {
			return err
		}
		if err := v.per.WaitForNotification(v.opts.SubscribeWait); err != nil {
			return err
		}
		if v.notifSeen.Load() > 0 {
			return nil
		}
		zap.L().Warn("subscribe not confirmed", zap.String("addr", v.addr), zap.Int("attempt", attempt))
		if attempt >= subscribeAttempts {
			return ble.Errf("subscribe", errors.New("no notification observed"))
		}
	}
}

// SetSpeed enqueues a speed change. Speed and accel must be in [0, 1000].
func (v *Vehicle) SetSpeed(speed, accel int) error {
	if err := checkRange(speed, accel); err != nil {
		return err
	}
	v.queue.Enqueue(protocol.EncodeSetSpeed(uint16(speed), uint16(accel)))
	return nil
}

// ChangeLane enqueues a relative lane move: a lane-offset reset frame
// followed by the lane-change frame, the order the firmware expects.
func (v *Vehicle) ChangeLane(speed, accel int, offset float32) error {
	if err := checkRange(speed, accel); err != nil {
		return err
	}
	v.queue.Enqueue(
		protocol.EncodeSetLaneOffset(0),
		protocol.EncodeChangeLane(uint16(speed), uint16(accel), offset),
	)
	return nil
}

// ChangeLaneLeft moves one lane to the left.
func (v *Vehicle) ChangeLaneLeft(speed, accel int) error {
	return v.ChangeLane(speed, accel, -protocol.LanePitch)
}

// ChangeLaneRight moves one lane to the right.
func (v *Vehicle) ChangeLaneRight(speed, accel int) error {
	return v.ChangeLane(speed, accel, protocol.LanePitch)
}

// SetLane enqueues a lane-offset update without a lane change.
func (v *Vehicle) SetLane(offset float32) {
	v.queue.Enqueue(protocol.EncodeSetLaneOffset(offset))
}

// Ping enqueues a ping; the reply arrives on the pong callback.
func (v *Vehicle) Ping() {
	v.queue.Enqueue(protocol.EncodePing())
}

func checkRange(speed, accel int) error {
	if speed < 0 || speed > 1000 {
		return fmt.Errorf("speed %d out of range [0, 1000]", speed)
	}
	if accel < 0 || accel > 1000 {
		return fmt.Errorf("accel %d out of range [0, 1000]", accel)
	}
	return nil
}

// OnLocationChange replaces the location-update callback. Last write wins.
func (v *Vehicle) OnLocationChange(fn LocationChangeFunc) {
	v.cbMu.Lock()
	v.onLocation = fn
	v.cbMu.Unlock()
}

// OnTransition replaces the piece-transition callback.
func (v *Vehicle) OnTransition(fn TransitionFunc) {
	v.cbMu.Lock()
	v.onTransition = fn
	v.cbMu.Unlock()
}

// OnPong replaces the pong callback.
func (v *Vehicle) OnPong(fn PongFunc) {
	v.cbMu.Lock()
	v.onPong = fn
	v.cbMu.Unlock()
}

// Disconnect ends the session. With a live worker it only marks the session
// for teardown; the worker performs the transport disconnect on its own exit,
// keeping all transport access on one goroutine. Without a worker it tears
// the link down directly.
func (v *Vehicle) Disconnect() {
	wasConnected := v.connected.Swap(false)
	if v.workerLive.Load() {
		return
	}
	if wasConnected {
		v.teardown()
	}
}

// Done is closed once the worker has fully torn the session down. Sessions
// never started or torn down directly report a nil channel.
func (v *Vehicle) Done() <-chan struct{} {
	return v.workerDone
}

// teardown writes the disconnect frame and closes the link. Best effort,
// failures are logged only.
func (v *Vehicle) teardown() {
	if v.writeChar != nil {
		if err := v.per.WriteCharacteristic(v.writeChar, protocol.EncodeDisconnect()); err != nil {
			zap.L().Warn("disconnect frame write failed", zap.String("addr", v.addr), zap.Error(err))
		}
	}
	if err := v.per.Disconnect(); err != nil {
		zap.L().Warn("link close failed", zap.String("addr", v.addr), zap.Error(err))
	}
	v.state.Store(int32(StateDisconnected))
}

// Address returns the car's transport address.
func (v *Vehicle) Address() string { return v.addr }

// State returns the current session state.
func (v *Vehicle) State() State { return State(v.state.Load()) }

// Speed returns the last speed reported by the car.
func (v *Vehicle) Speed() uint16 {
	v.telMu.RLock()
	defer v.telMu.RUnlock()
	return v.speed
}

// Location returns the last reported location id.
func (v *Vehicle) Location() uint8 {
	v.telMu.RLock()
	defer v.telMu.RUnlock()
	return v.location
}

// Piece returns the last reported track piece id.
func (v *Vehicle) Piece() uint8 {
	v.telMu.RLock()
	defer v.telMu.RUnlock()
	return v.piece
}

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	n := time.Now().UnixNano()
	return d + time.Duration(n%int64(jitter))
}

func nextBackoff(cur, ceil time.Duration) time.Duration {
	cur *= 2
	if cur > ceil {
		cur = ceil
	}
	return cur
}
