package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestDevicePath(t *testing.T) {
	got := devicePath("hci0", "AA:BB:CC:DD:EE:FF")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	if got != want {
		t.Fatalf("devicePath = %q, want %q", got, want)
	}
}

func TestNotifyMatchRuleIsStable(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB/service000a/char000b")
	rule := notifyMatchRule(path)
	want := "type='signal',sender='org.bluez'," +
		"interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'," +
		"path='/org/bluez/hci0/dev_AA_BB/service000a/char000b'"
	if rule != want {
		t.Fatalf("rule = %q, want %q", rule, want)
	}
	// RemoveMatch only drops a rule matching the added one byte for byte.
	if again := notifyMatchRule(path); again != rule {
		t.Fatalf("rule not stable: %q vs %q", again, rule)
	}
}

func TestNotificationValueFiltersForeignSignals(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB/service000a/char000b")
	value := []byte{0x01, 0x17}
	sig := &dbus.Signal{
		Path: path,
		Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body: []interface{}{
			"org.bluez.GattCharacteristic1",
			map[string]dbus.Variant{"Value": dbus.MakeVariant(value)},
		},
	}

	raw, ok := notificationValue(sig, path)
	if !ok || len(raw) != 2 || raw[1] != 0x17 {
		t.Fatalf("value = % X, ok = %v", raw, ok)
	}

	if _, ok := notificationValue(sig, "/org/bluez/hci0/dev_CC_DD"); ok {
		t.Fatalf("signal for another path must be filtered")
	}

	noValue := &dbus.Signal{
		Path: path,
		Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body: []interface{}{
			"org.bluez.GattCharacteristic1",
			map[string]dbus.Variant{"Notifying": dbus.MakeVariant(true)},
		},
	}
	if _, ok := notificationValue(noValue, path); ok {
		t.Fatalf("signal without a Value change must be filtered")
	}
}
