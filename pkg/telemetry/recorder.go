// Package telemetry streams decoded vehicle events to a writer as
// length-prefixed CBOR records, for consumption by downstream tooling.
// It does not store anything itself.
package telemetry

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// Event is one telemetry record. Kind is "location", "transition" or "pong";
// the position fields are only set for location events.
type Event struct {
	Addr      string    `cbor:"addr"`
	Kind      string    `cbor:"kind"`
	At        time.Time `cbor:"at"`
	Location  uint8     `cbor:"location,omitempty"`
	Piece     uint8     `cbor:"piece,omitempty"`
	Speed     uint16    `cbor:"speed,omitempty"`
	Clockwise bool      `cbor:"clockwise,omitempty"`
}

// Recorder encodes events with deterministic CBOR (RFC 8949 core profile)
// and frames them with a u32 little-endian length prefix. Safe for use from
// multiple callback goroutines.
type Recorder struct {
	mu  sync.Mutex
	w   io.Writer
	enc cbor.EncMode
}

func NewRecorder(w io.Writer) (*Recorder, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return &Recorder{w: w, enc: em}, nil
}

// Record writes one framed event.
func (r *Recorder) Record(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b, err := r.enc.Marshal(ev)
	if err != nil {
		return err
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err = r.w.Write(b)
	return err
}

// Location records a location update.
func (r *Recorder) Location(addr string, location, piece uint8, speed uint16, clockwise bool) error {
	return r.Record(Event{
		Addr: addr, Kind: "location",
		Location: location, Piece: piece, Speed: speed, Clockwise: clockwise,
	})
}

// Transition records a piece transition.
func (r *Recorder) Transition(addr string) error {
	return r.Record(Event{Addr: addr, Kind: "transition"})
}

// Pong records a ping reply.
func (r *Recorder) Pong(addr string) error {
	return r.Record(Event{Addr: addr, Kind: "pong"})
}
