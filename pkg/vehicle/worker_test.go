package vehicle

import (
	"bytes"
	"testing"
	"time"

	"overdrive/pkg/protocol"
)

func TestWriteFailureTriggersReconnectAndRedelivery(t *testing.T) {
	v, per := dialTest(t)
	per.FailNextWrites(1)

	if err := v.SetSpeed(500, 1000); err != nil {
		t.Fatalf("set speed: %v", err)
	}

	waitFor(t, func() bool { return per.Connects() == 2 }, "reconnect after write failure")
	waitFor(t, func() bool {
		return len(framesByID(per.Writes(), protocol.CmdSetSpeed)) == 1
	}, "redelivered frame")
	waitFor(t, func() bool { return v.State() == StateConnected }, "running state restored")

	// Settle, then confirm the frame was delivered exactly once.
	time.Sleep(50 * time.Millisecond)
	frames := framesByID(per.Writes(), protocol.CmdSetSpeed)
	if len(frames) != 1 {
		t.Fatalf("frame delivered %d times, want exactly 1", len(frames))
	}
	want := []byte{0x06, 0x24, 0xF4, 0x01, 0xE8, 0x03, 0x01}
	if !bytes.Equal(frames[0], want) {
		t.Fatalf("redelivered frame = % X, want % X", frames[0], want)
	}
}

func TestPollFailureTriggersReconnect(t *testing.T) {
	v, per := dialTest(t)
	per.FailNextWaits(1)

	waitFor(t, func() bool { return per.Connects() == 2 }, "reconnect after poll failure")
	waitFor(t, func() bool { return v.State() == StateConnected }, "running state restored")
}

func TestQueuedCommandsSurviveReconnect(t *testing.T) {
	v, per := dialTest(t)
	per.FailNextConnects(1 << 30) // hold the link down
	per.FailNextWaits(1)

	waitFor(t, func() bool { return v.State() == StateReconnecting }, "reconnecting state")

	// Enqueued during the reconnect window; must flow after the link is back.
	if err := v.SetSpeed(300, 300); err != nil {
		t.Fatalf("set speed: %v", err)
	}
	if err := v.SetSpeed(400, 400); err != nil {
		t.Fatalf("set speed: %v", err)
	}
	per.FailNextConnects(0) // release the link

	waitFor(t, func() bool {
		return len(framesByID(per.Writes(), protocol.CmdSetSpeed)) == 2
	}, "queued frames after reconnect")
	frames := framesByID(per.Writes(), protocol.CmdSetSpeed)
	if s := int(frames[0][2]) | int(frames[0][3])<<8; s != 300 {
		t.Fatalf("first frame speed = %d, want 300", s)
	}
	if s := int(frames[1][2]) | int(frames[1][3])<<8; s != 400 {
		t.Fatalf("second frame speed = %d, want 400", s)
	}
}
