package blemem

import (
	"context"
	"errors"
	"testing"
	"time"

	"overdrive/pkg/ble"
)

func TestConnectAndDiscover(t *testing.T) {
	p := New()
	if err := p.Connect(context.Background(), "aa:bb"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := p.DiscoverCharacteristic(ble.ReadCharUUID); err != nil {
		t.Fatalf("discover read: %v", err)
	}
	if _, err := p.DiscoverCharacteristic("0000feed-0000-1000-8000-00805f9b34fb"); err == nil {
		t.Fatalf("unknown characteristic must not resolve")
	}
}

func TestLinkErrorsAreTyped(t *testing.T) {
	p := New()
	p.FailNextConnects(1)
	err := p.Connect(context.Background(), "aa:bb")
	if err == nil {
		t.Fatalf("injected connect failure missing")
	}
	var le *ble.LinkError
	if !errors.As(err, &le) {
		t.Fatalf("error %T is not a LinkError", err)
	}
}

func TestAutoPongOnPing(t *testing.T) {
	p := New()
	if err := p.Connect(context.Background(), "aa:bb"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	w, _ := p.DiscoverCharacteristic(ble.WriteCharUUID)
	r, _ := p.DiscoverCharacteristic(ble.ReadCharUUID)

	var got []byte
	if err := p.Subscribe(r, func(raw []byte) { got = raw }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := p.WriteCharacteristic(w, []byte{0x01, 0x16}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := p.WaitForNotification(100 * time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(got) != 2 || got[1] != 0x17 {
		t.Fatalf("notification = % X, want pong", got)
	}
	if writes := p.Writes(); len(writes) != 1 {
		t.Fatalf("recorded %d writes, want 1", len(writes))
	}
}

func TestWaitTimeoutIsNotAnError(t *testing.T) {
	p := New()
	if err := p.Connect(context.Background(), "aa:bb"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	start := time.Now()
	if err := p.WaitForNotification(10 * time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("wait returned before timeout")
	}
}
