package vehicle

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"overdrive/pkg/ble/blemem"
	"overdrive/pkg/protocol"
)

func rawLocation(location, piece uint8, offset float32, speed uint16, flag byte) []byte {
	raw := make([]byte, 11)
	raw[0] = 9
	raw[1] = protocol.NotifyLocation
	raw[2] = location
	raw[3] = piece
	binary.LittleEndian.PutUint32(raw[4:8], math.Float32bits(offset))
	binary.LittleEndian.PutUint16(raw[8:10], speed)
	raw[10] = flag
	return raw
}

func TestLocationCallbackAndCache(t *testing.T) {
	v, per := dialTest(t)

	type loc struct {
		addr      string
		location  uint8
		piece     uint8
		speed     uint16
		clockwise bool
	}
	got := make(chan loc, 1)
	v.OnLocationChange(func(addr string, location, piece uint8, speed uint16, clockwise bool) {
		got <- loc{addr, location, piece, speed, clockwise}
	})

	per.Inject(rawLocation(3, 17, -12.5, 420, 0x47))

	select {
	case l := <-got:
		if l.addr != v.Address() || l.location != 3 || l.piece != 17 || l.speed != 420 || !l.clockwise {
			t.Fatalf("callback received %+v", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("location callback never fired")
	}

	waitFor(t, func() bool { return v.Speed() == 420 }, "cached speed")
	if v.Location() != 3 || v.Piece() != 17 {
		t.Fatalf("cached location/piece = %d/%d", v.Location(), v.Piece())
	}
}

func TestTransitionCallback(t *testing.T) {
	v, per := dialTest(t)

	got := make(chan string, 1)
	v.OnTransition(func(addr string) { got <- addr })

	raw := make([]byte, 9)
	raw[0] = 7
	raw[1] = protocol.NotifyTransit
	raw[2] = 18
	raw[3] = 17
	per.Inject(raw)

	select {
	case addr := <-got:
		if addr != v.Address() {
			t.Fatalf("callback addr = %q", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transition callback never fired")
	}
	waitFor(t, func() bool { return v.Piece() == 18 }, "cached piece from transition")
}

func TestPongCallback(t *testing.T) {
	v, _ := dialTest(t)

	got := make(chan string, 1)
	v.OnPong(func(addr string) { got <- addr })

	v.Ping()

	select {
	case addr := <-got:
		if addr != v.Address() {
			t.Fatalf("callback addr = %q", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pong callback never fired")
	}
}

func TestUnknownNotificationIgnored(t *testing.T) {
	v, per := dialTest(t)

	fired := make(chan struct{}, 3)
	v.OnLocationChange(func(string, uint8, uint8, uint16, bool) { fired <- struct{}{} })
	v.OnTransition(func(string) { fired <- struct{}{} })
	v.OnPong(func(string) { fired <- struct{}{} })

	per.Inject([]byte{0x01, 0xFF})

	select {
	case <-fired:
		t.Fatalf("unknown notification id reached a callback")
	case <-time.After(100 * time.Millisecond):
	}
	if v.State() != StateConnected {
		t.Fatalf("unknown notification disturbed the session: %v", v.State())
	}
}

func TestCallbackPanicDoesNotKillWorker(t *testing.T) {
	v, per := dialTest(t)

	fired := make(chan struct{}, 1)
	v.OnPong(func(string) {
		fired <- struct{}{}
		panic("callback fault")
	})
	v.Ping()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("pong callback never fired")
	}

	// The worker must still deliver commands after the callback fault.
	if err := v.SetSpeed(123, 456); err != nil {
		t.Fatalf("set speed: %v", err)
	}
	waitFor(t, func() bool {
		return len(framesByID(per.Writes(), protocol.CmdSetSpeed)) == 1
	}, "command delivery after callback panic")
}

func TestCallbackBurstDoesNotStackGoroutines(t *testing.T) {
	per := blemem.New()
	opts := testOptions()
	opts.MaxInFlightCallbacks = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := Dial(ctx, per, "aa:bb:cc:dd:ee:ff", opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		v.Disconnect()
		select {
		case <-v.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("worker did not exit")
		}
	})

	release := make(chan struct{})
	fired := make(chan struct{}, 16)
	v.OnPong(func(string) {
		fired <- struct{}{}
		<-release
	})

	for i := 0; i < 8; i++ {
		per.Inject([]byte{0x01, protocol.NotifyPong})
	}

	// The first callback claims the only slot and holds it.
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("first callback never fired")
	}
	// The rest of the burst is dropped at dispatch, not queued behind the slot.
	select {
	case <-fired:
		t.Fatalf("callback ran past the concurrency bound")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	// Dropped notifications must not replay once the slot frees up.
	select {
	case <-fired:
		t.Fatalf("dropped notification replayed after release")
	case <-time.After(100 * time.Millisecond):
	}

	// The worker kept delivering commands throughout.
	if err := v.SetSpeed(123, 456); err != nil {
		t.Fatalf("set speed: %v", err)
	}
	waitFor(t, func() bool {
		return len(framesByID(per.Writes(), protocol.CmdSetSpeed)) == 1
	}, "command delivery after callback burst")
}

func TestCallbackReplacementLastWriteWins(t *testing.T) {
	v, _ := dialTest(t)

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	v.OnPong(func(string) { first <- struct{}{} })
	v.OnPong(func(string) { second <- struct{}{} })

	v.Ping()

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatalf("replacement callback never fired")
	}
	select {
	case <-first:
		t.Fatalf("replaced callback still registered")
	default:
	}
}
