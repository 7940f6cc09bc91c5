// Package protocol implements the vendor binary protocol spoken by the
// vehicle: encoding of outbound command frames and decoding of inbound
// notification frames. It is pure byte shuffling; no I/O happens here.
package protocol

import (
	"encoding/binary"
	"math"
)

// Outbound frame layout. All integer fields are little-endian.
//
//	0       Length  u8 (bytes following, excludes itself)
//	1       Command u8
//	2..     Command-specific payload
//
// Command payloads:
//
//	SetSpeed      0x24  speed:u16 accel:u16 0x01
//	ChangeLane    0x25  speed:u16 accel:u16 offset:f32
//	SetLaneOffset 0x2C  offset:f32
//	SDKMode       0x90  0x01 0x01
//	Ping          0x16  (empty)
//	Disconnect    0x0D  (empty)
const (
	CmdDisconnect    = 0x0D
	CmdPing          = 0x16
	CmdSetSpeed      = 0x24
	CmdChangeLane    = 0x25
	CmdSetLaneOffset = 0x2C
	CmdSDKMode       = 0x90
)

// LanePitch is the lateral offset between adjacent track lanes, in track units.
const LanePitch float32 = 44.5

// Frame is one complete, immutable, length-prefixed protocol message.
type Frame []byte

// frame prepends the length byte to a command body.
func frame(body []byte) Frame {
	f := make(Frame, 0, len(body)+1)
	f = append(f, byte(len(body)))
	return append(f, body...)
}

// EncodeSetSpeed builds a set-speed frame. Speed and acceleration are in
// vehicle units, valid range 0..1000.
func EncodeSetSpeed(speed, accel uint16) Frame {
	body := make([]byte, 6)
	body[0] = CmdSetSpeed
	binary.LittleEndian.PutUint16(body[1:3], speed)
	binary.LittleEndian.PutUint16(body[3:5], accel)
	body[5] = 0x01
	return frame(body)
}

// EncodeChangeLane builds a lane-change frame. Offset is relative to the
// current lane, negative for left, positive for right.
func EncodeChangeLane(speed, accel uint16, offset float32) Frame {
	body := make([]byte, 9)
	body[0] = CmdChangeLane
	binary.LittleEndian.PutUint16(body[1:3], speed)
	binary.LittleEndian.PutUint16(body[3:5], accel)
	binary.LittleEndian.PutUint32(body[5:9], math.Float32bits(offset))
	return frame(body)
}

// EncodeSetLaneOffset builds a set-lane-offset frame. The firmware expects
// this reset before every relative lane move.
func EncodeSetLaneOffset(offset float32) Frame {
	body := make([]byte, 5)
	body[0] = CmdSetLaneOffset
	binary.LittleEndian.PutUint32(body[1:5], math.Float32bits(offset))
	return frame(body)
}

// EncodeSDKMode builds the frame enabling SDK mode on the vehicle.
func EncodeSDKMode() Frame {
	return frame([]byte{CmdSDKMode, 0x01, 0x01})
}

// EncodePing builds a ping frame.
func EncodePing() Frame {
	return frame([]byte{CmdPing})
}

// EncodeDisconnect builds the disconnect frame written right before the link
// is torn down.
func EncodeDisconnect() Frame {
	return frame([]byte{CmdDisconnect})
}
