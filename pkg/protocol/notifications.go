package protocol

import (
	"encoding/binary"
	"math"
)

// Inbound notification ids, read at offset 1 of the raw frame.
//
//	0x27  LocationUpdate  location:u8 piece:u8 offset:f32 speed:u16 clockwise:u8
//	0x29  Transition      piece:u8 prevPiece:u8 offset:f32 direction:u8
//	0x17  Pong            (empty)
const (
	NotifyPong     = 0x17
	NotifyLocation = 0x27
	NotifyTransit  = 0x29
)

// clockwiseFlag is the only payload value meaning clockwise travel.
const clockwiseFlag = 0x47

// Message is one decoded inbound notification.
type Message interface {
	isMessage()
}

// LocationUpdate reports the vehicle position on the current track piece.
type LocationUpdate struct {
	Location  uint8
	Piece     uint8
	Offset    float32
	Speed     uint16
	Clockwise bool
}

// Transition reports the vehicle crossing from one track piece to the next.
type Transition struct {
	Piece     uint8
	PrevPiece uint8
	Offset    float32
	Direction uint8
}

// Pong is the reply to a ping command.
type Pong struct{}

func (LocationUpdate) isMessage() {}
func (Transition) isMessage()     {}
func (Pong) isMessage()           {}

// Decode parses a raw notification frame. Unknown ids and truncated payloads
// yield ok=false; they are not errors, the vehicle emits message kinds this
// driver does not speak.
func Decode(raw []byte) (msg Message, ok bool) {
	if len(raw) < 2 {
		return nil, false
	}
	switch raw[1] {
	case NotifyLocation:
		if len(raw) < 11 {
			return nil, false
		}
		return LocationUpdate{
			Location:  raw[2],
			Piece:     raw[3],
			Offset:    math.Float32frombits(binary.LittleEndian.Uint32(raw[4:8])),
			Speed:     binary.LittleEndian.Uint16(raw[8:10]),
			Clockwise: raw[10] == clockwiseFlag,
		}, true
	case NotifyTransit:
		if len(raw) < 9 {
			return nil, false
		}
		return Transition{
			Piece:     raw[2],
			PrevPiece: raw[3],
			Offset:    math.Float32frombits(binary.LittleEndian.Uint32(raw[4:8])),
			Direction: raw[8],
		}, true
	case NotifyPong:
		return Pong{}, true
	default:
		return nil, false
	}
}
