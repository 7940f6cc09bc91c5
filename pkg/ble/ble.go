// Package ble defines the peripheral capability the driver consumes. The
// driver never talks to a radio stack directly; backends (bluez, blemem)
// implement this interface.
package ble

import (
	"context"
	"time"
)

// GATT identifiers of the vehicle service. These are protocol constants, not
// configuration.
const (
	ServiceUUID   = "be15beef-6186-407e-8381-0bd89c4d8df4"
	ReadCharUUID  = "be15bee0-6186-407e-8381-0bd89c4d8df4"
	WriteCharUUID = "be15bee1-6186-407e-8381-0bd89c4d8df4"
)

// Characteristic is an addressable endpoint on the peripheral, resolved by
// DiscoverCharacteristic. Values are backend-specific handles.
type Characteristic interface {
	UUID() string
}

// NotificationHandler receives one raw notification frame. Backends invoke it
// synchronously from within WaitForNotification.
type NotificationHandler func(raw []byte)

// Peripheral is a single remote BLE device. Implementations are not safe for
// concurrent use; exactly one goroutine may own a Peripheral at a time.
type Peripheral interface {
	// Connect establishes the link to the device at the given address.
	Connect(ctx context.Context, address string) error

	// DiscoverCharacteristic resolves a characteristic of the vehicle
	// service by UUID. Fails with *LinkError when absent.
	DiscoverCharacteristic(uuid string) (Characteristic, error)

	// WriteCharacteristic writes raw bytes to a characteristic.
	WriteCharacteristic(c Characteristic, data []byte) error

	// Subscribe enables notifications on a characteristic and registers the
	// handler receiving them. The handler replaces any previous one.
	Subscribe(c Characteristic, h NotificationHandler) error

	// WaitForNotification blocks up to timeout and delivers at most one
	// pending notification to the subscribed handler. Expiry without a
	// notification is not an error.
	WaitForNotification(timeout time.Duration) error

	// Disconnect tears the link down. Best effort; callers log failures and
	// move on.
	Disconnect() error
}

// LinkError is the only error kind crossing the peripheral boundary. It wraps
// the backend cause behind the failing operation.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return "ble: " + e.Op
	}
	return "ble: " + e.Op + ": " + e.Err.Error()
}

func (e *LinkError) Unwrap() error { return e.Err }

// Errf wraps a backend failure into a *LinkError.
func Errf(op string, err error) error {
	return &LinkError{Op: op, Err: err}
}
