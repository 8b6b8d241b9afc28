package bluez

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	watchedMAC = "AA:BB:CC:DD:EE:01"
	otherMAC   = "AA:BB:CC:DD:EE:09"
)

type fakeSource struct {
	initial map[string]bool
	signals chan *dbus.Signal
	stopped bool
}

func (f *fakeSource) DeviceConnected(mac string) (bool, error) {
	v, ok := f.initial[mac]
	if !ok {
		return false, errors.New("no such object")
	}
	return v, nil
}

func (f *fakeSource) Subscribe() (<-chan *dbus.Signal, func(), error) {
	return f.signals, func() { f.stopped = true }, nil
}

func connectedSignal(mac string, connected bool) *dbus.Signal {
	return &dbus.Signal{
		Path: DevicePath("hci0", mac),
		Name: propsSignal,
		Body: []any{
			deviceIface,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(connected)},
			[]string{},
		},
	}
}

func TestDevicePathRoundTrip(t *testing.T) {
	path := DevicePath("hci0", "aa:bb:cc:dd:ee:ff")
	if path != "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF" {
		t.Fatalf("DevicePath = %q", path)
	}
	if got := MACFromPath("hci0", path); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("MACFromPath = %q", got)
	}
}

func TestMACFromPath(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		want string
	}{
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01", "AA:BB:CC:DD:EE:01"},
		{"/org/bluez/hci1/dev_AA_BB_CC_DD_EE_01", ""},
		{"/org/bluez/hci0", ""},
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01/service0010", ""},
	}
	for _, tt := range tests {
		if got := MACFromPath("hci0", tt.path); got != tt.want {
			t.Errorf("MACFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestParseSignal(t *testing.T) {
	w := NewWatcher(&fakeSource{}, "hci0", []string{watchedMAC})

	tests := []struct {
		name   string
		sig    *dbus.Signal
		wantOK bool
		want   bool
	}{
		{"connected", connectedSignal(watchedMAC, true), true, true},
		{"disconnected", connectedSignal(watchedMAC, false), true, false},
		{"unwatched device", connectedSignal(otherMAC, true), false, false},
		{"nil", nil, false, false},
		{"other member", &dbus.Signal{Name: "org.bluez.Other", Path: DevicePath("hci0", watchedMAC)}, false, false},
		{"adapter interface", &dbus.Signal{
			Name: propsSignal,
			Path: DevicePath("hci0", watchedMAC),
			Body: []any{"org.bluez.Adapter1", map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}},
		}, false, false},
		{"other property", &dbus.Signal{
			Name: propsSignal,
			Path: DevicePath("hci0", watchedMAC),
			Body: []any{deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))}},
		}, false, false},
		{"wrong type", &dbus.Signal{
			Name: propsSignal,
			Path: DevicePath("hci0", watchedMAC),
			Body: []any{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant("yes")}},
		}, false, false},
		{"short body", &dbus.Signal{Name: propsSignal, Path: DevicePath("hci0", watchedMAC), Body: []any{deviceIface}}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mac, connected, ok := w.parseSignal(tt.sig)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && (mac != watchedMAC || connected != tt.want) {
				t.Errorf("got (%q, %v), want (%q, %v)", mac, connected, watchedMAC, tt.want)
			}
		})
	}
}

func TestWatcherRun(t *testing.T) {
	src := &fakeSource{
		initial: map[string]bool{watchedMAC: true},
		signals: make(chan *dbus.Signal, 8),
	}
	w := NewWatcher(src, "hci0", []string{"aa-bb-cc-dd-ee-01", "AA:BB:CC:DD:EE:02", "bogus"})

	events := make(chan Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(e Event) { events <- e }) }()

	src.signals <- connectedSignal(watchedMAC, true) // duplicate, suppressed
	src.signals <- connectedSignal(watchedMAC, false)
	src.signals <- connectedSignal(otherMAC, true) // unwatched
	src.signals <- connectedSignal(watchedMAC, true)

	want := []Event{
		{Address: watchedMAC, Connected: true},
		{Address: watchedMAC, Connected: false},
		{Address: watchedMAC, Connected: true},
	}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Errorf("event %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !src.stopped {
		t.Error("subscription was not stopped")
	}
	if !w.Connected(watchedMAC) {
		t.Error("Connected() = false after final connect")
	}
	select {
	case e := <-events:
		t.Errorf("unexpected extra event %+v", e)
	default:
	}
}

func TestWatcherRunSkipsInitiallyDisconnected(t *testing.T) {
	src := &fakeSource{
		initial: map[string]bool{watchedMAC: false},
		signals: make(chan *dbus.Signal),
	}
	w := NewWatcher(src, "hci0", []string{watchedMAC})

	var got []Event
	close(src.signals)
	if err := w.Run(context.Background(), func(e Event) { got = append(got, e) }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("events = %+v, want none", got)
	}
}
