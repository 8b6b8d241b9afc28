// Package bluez follows headset connection state through BlueZ on the
// system D-Bus.
//
// A Watcher listens for org.bluez.Device1 PropertiesChanged signals and
// reports Connected transitions for the configured devices. The L2CAP
// channels themselves are opened by the session layer; BlueZ only says
// when a headset is there.
package bluez

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	devicePrefix = "/org/bluez/"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"
	propsSignal  = "org.freedesktop.DBus.Properties.PropertiesChanged"

	matchRule = "type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'"
)

// ErrBlueZUnavailable is returned when org.bluez is not on the system bus.
var ErrBlueZUnavailable = errors.New("bluez: org.bluez not found on system bus")

// Conn is a system bus connection scoped to one adapter.
type Conn struct {
	conn    *dbus.Conn
	adapter string
}

// Open connects to the system bus and checks BlueZ is running.
func Open(adapter string) (*Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: list bus names: %w", err)
	}
	if !slices.Contains(names, busName) {
		conn.Close()
		return nil, ErrBlueZUnavailable
	}

	return &Conn{conn: conn, adapter: adapter}, nil
}

// Close closes the bus connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// DeviceConnected reads the Connected property of a device.
func (c *Conn) DeviceConnected(mac string) (bool, error) {
	obj := c.conn.Object(busName, DevicePath(c.adapter, mac))
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, deviceIface, "Connected").Store(&v); err != nil {
		return false, fmt.Errorf("bluez: get Connected for %s: %w", mac, err)
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: Connected for %s is %T, not bool", mac, v.Value())
	}
	return connected, nil
}

// Subscribe starts delivery of BlueZ PropertiesChanged signals. The
// returned stop function unregisters the channel and removes the match.
func (c *Conn) Subscribe() (<-chan *dbus.Signal, func(), error) {
	if err := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		return nil, nil, fmt.Errorf("bluez: add match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)

	stop := func() {
		c.conn.RemoveSignal(ch)
		c.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, matchRule)
	}
	return ch, stop, nil
}

// DevicePath converts a MAC address to its BlueZ object path, e.g.
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func DevicePath(adapter, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(devicePrefix + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

// MACFromPath extracts the MAC address from a device object path on the
// given adapter. It returns "" for any other path, including child
// objects such as GATT services.
func MACFromPath(adapter string, path dbus.ObjectPath) string {
	prefix := devicePrefix + adapter + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if strings.Contains(rest, "/") {
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}
