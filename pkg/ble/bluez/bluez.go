// Package bluez implements ble.Peripheral on top of the BlueZ D-Bus API.
// Characteristic discovery goes through the ObjectManager, notifications
// arrive as PropertiesChanged signals after StartNotify.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"overdrive/pkg/ble"
)

const (
	bluezBus         = "org.bluez"
	bluezDevice1     = "org.bluez.Device1"
	bluezGattChar    = "org.bluez.GattCharacteristic1"
	dbusProperties   = "org.freedesktop.DBus.Properties"
	dbusObjectMgr    = "org.freedesktop.DBus.ObjectManager"
	servicesResolved = 15 * time.Second
)

type characteristic struct {
	uuid string
	path dbus.ObjectPath
}

func (c characteristic) UUID() string { return c.uuid }

// Peripheral drives one BLE device through BlueZ. Not safe for concurrent
// use; the delivery worker owns it once the session is up.
type Peripheral struct {
	adapter    string
	address    string
	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	handler    ble.NotificationHandler
	notifyPath dbus.ObjectPath
	matchRule  string
	sigCh      chan *dbus.Signal
}

// New returns a Peripheral bound to the given adapter ("hci0" when empty).
func New(adapter string) *Peripheral {
	if adapter == "" {
		adapter = "hci0"
	}
	return &Peripheral{adapter: adapter}
}

func (p *Peripheral) Connect(ctx context.Context, address string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return ble.Errf("system bus", err)
	}
	p.conn = conn
	p.address = address
	p.devicePath = devicePath(p.adapter, address)

	device := conn.Object(bluezBus, p.devicePath)
	if call := device.CallWithContext(ctx, bluezDevice1+".Connect", 0); call.Err != nil {
		return ble.Errf("connect "+address, call.Err)
	}
	if err := p.waitServicesResolved(ctx); err != nil {
		return err
	}
	zap.L().Debug("bluez device connected", zap.String("addr", address), zap.String("adapter", p.adapter))
	return nil
}

// waitServicesResolved polls until BlueZ finishes GATT discovery for the
// device; characteristic paths are not populated before that.
func (p *Peripheral) waitServicesResolved(ctx context.Context) error {
	deadline := time.After(servicesResolved)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ble.Errf("resolve services", ctx.Err())
		case <-deadline:
			return ble.Errf("resolve services", errors.New("timed out"))
		case <-ticker.C:
			v, err := p.conn.Object(bluezBus, p.devicePath).GetProperty(bluezDevice1 + ".ServicesResolved")
			if err == nil {
				if resolved, ok := v.Value().(bool); ok && resolved {
					return nil
				}
			}
		}
	}
}

func (p *Peripheral) DiscoverCharacteristic(uuid string) (ble.Characteristic, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := p.conn.Object(bluezBus, "/").Call(dbusObjectMgr+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, ble.Errf("managed objects", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, ble.Errf("managed objects", err)
	}

	prefix := string(p.devicePath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if u, ok := v.Value().(string); ok && strings.EqualFold(u, uuid) {
			zap.L().Debug("bluez characteristic found", zap.String("uuid", uuid), zap.String("path", string(path)))
			return characteristic{uuid: uuid, path: path}, nil
		}
	}
	return nil, ble.Errf("discover "+uuid, errors.New("characteristic not found"))
}

func (p *Peripheral) WriteCharacteristic(c ble.Characteristic, data []byte) error {
	ch, ok := c.(characteristic)
	if !ok {
		return ble.Errf("write", errors.New("foreign characteristic handle"))
	}
	obj := p.conn.Object(bluezBus, ch.path)
	call := obj.Call(bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
		"type": dbus.MakeVariant("command"),
	})
	if call.Err != nil {
		return ble.Errf("write "+ch.uuid, call.Err)
	}
	return nil
}

func (p *Peripheral) Subscribe(c ble.Characteristic, h ble.NotificationHandler) error {
	ch, ok := c.(characteristic)
	if !ok {
		return ble.Errf("subscribe", errors.New("foreign characteristic handle"))
	}
	// Reconnects subscribe again without passing through Disconnect; drop the
	// previous rule so they do not pile up on the shared bus connection.
	if p.matchRule != "" {
		p.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, p.matchRule)
		p.matchRule = ""
	}
	rule := notifyMatchRule(ch.path)
	if call := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return ble.Errf("subscribe "+ch.uuid, call.Err)
	}
	p.matchRule = rule
	if call := p.conn.Object(bluezBus, ch.path).Call(bluezGattChar+".StartNotify", 0); call.Err != nil {
		return ble.Errf("subscribe "+ch.uuid, call.Err)
	}
	if p.sigCh == nil {
		p.sigCh = make(chan *dbus.Signal, 64)
		p.conn.Signal(p.sigCh)
	}
	p.handler = h
	p.notifyPath = ch.path
	return nil
}

func (p *Peripheral) WaitForNotification(timeout time.Duration) error {
	if p.sigCh == nil {
		time.Sleep(timeout)
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case sig, ok := <-p.sigCh:
			if !ok {
				return ble.Errf("wait notification", errors.New("signal channel closed"))
			}
			raw, ok := notificationValue(sig, p.notifyPath)
			if !ok {
				continue
			}
			if p.handler != nil {
				p.handler(raw)
			}
			return nil
		case <-timer.C:
			return nil
		}
	}
}

// notificationValue extracts the characteristic Value from a PropertiesChanged
// signal, filtering out unrelated D-Bus traffic.
func notificationValue(sig *dbus.Signal, path dbus.ObjectPath) ([]byte, bool) {
	if sig.Path != path || sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	v, ok := changed["Value"]
	if !ok {
		return nil, false
	}
	raw, ok := v.Value().([]byte)
	return raw, ok
}

func (p *Peripheral) Disconnect() error {
	if p.conn == nil {
		return nil
	}
	if p.notifyPath != "" {
		p.conn.Object(bluezBus, p.notifyPath).Call(bluezGattChar+".StopNotify", 0)
	}
	if p.matchRule != "" {
		p.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, p.matchRule)
		p.matchRule = ""
	}
	if p.sigCh != nil {
		p.conn.RemoveSignal(p.sigCh)
		p.sigCh = nil
	}
	call := p.conn.Object(bluezBus, p.devicePath).Call(bluezDevice1+".Disconnect", 0)
	// The system bus connection is shared process-wide; never close it here.
	p.conn = nil
	if call.Err != nil {
		return ble.Errf("disconnect "+p.address, call.Err)
	}
	return nil
}

// notifyMatchRule builds the bus match rule selecting PropertiesChanged
// signals for one characteristic. Every rule added for it must be removed
// with the exact same string.
func notifyMatchRule(path dbus.ObjectPath) string {
	return fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, path,
	)
}

// devicePath maps a MAC address to the BlueZ object path,
// "AA:BB:CC:DD:EE:FF" → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}
