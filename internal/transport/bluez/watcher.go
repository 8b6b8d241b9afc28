package bluez

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nerrad567/budlink/internal/device"
)

// Event is a connection change of one configured device.
type Event struct {
	Address   string
	Connected bool
}

// Handler receives watcher events in order on the watcher goroutine.
type Handler func(Event)

// Source is what the watcher needs from the bus. *Conn implements it.
type Source interface {
	DeviceConnected(mac string) (bool, error)
	Subscribe() (<-chan *dbus.Signal, func(), error)
}

// Logger defines the logging interface used by the watcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Watcher reports Connected transitions for a fixed set of devices.
// Repeated signals with an unchanged value are suppressed.
type Watcher struct {
	src     Source
	adapter string
	devices map[string]struct{}

	mu     sync.Mutex
	state  map[string]bool
	logger Logger
}

// NewWatcher creates a watcher for the given MAC addresses. Addresses
// that do not normalise are ignored.
func NewWatcher(src Source, adapter string, macs []string) *Watcher {
	w := &Watcher{
		src:     src,
		adapter: adapter,
		devices: make(map[string]struct{}, len(macs)),
		state:   make(map[string]bool, len(macs)),
		logger:  noopLogger{},
	}
	for _, m := range macs {
		if mac, err := device.NormaliseMAC(m); err == nil {
			w.devices[mac] = struct{}{}
		}
	}
	return w
}

// SetLogger sets the logger for the watcher.
func (w *Watcher) SetLogger(logger Logger) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	w.logger = logger
}

// Run subscribes to signals, reports every device that is already
// connected, then follows changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, fn Handler) error {
	signals, stop, err := w.src.Subscribe()
	if err != nil {
		return err
	}
	defer stop()

	for mac := range w.devices {
		connected, err := w.src.DeviceConnected(mac)
		if err != nil {
			// Unpaired devices have no object yet.
			w.log().Debug("initial state unavailable", "device", mac, "error", err)
			continue
		}
		w.report(mac, connected, fn)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			mac, connected, ok := w.parseSignal(sig)
			if !ok {
				continue
			}
			w.report(mac, connected, fn)
		}
	}
}

// Connected reports the last known state of mac.
func (w *Watcher) Connected(mac string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state[mac]
}

func (w *Watcher) report(mac string, connected bool, fn Handler) {
	w.mu.Lock()
	prev, seen := w.state[mac]
	w.state[mac] = connected
	logger := w.logger
	w.mu.Unlock()

	if seen && prev == connected {
		return
	}
	// First sighting of a disconnected device is not news.
	if !seen && !connected {
		return
	}

	logger.Info("bluez connection changed", "device", mac, "connected", connected)
	fn(Event{Address: mac, Connected: connected})
}

// parseSignal extracts a Connected change for a watched device.
// Body: [interface string, changed map[string]Variant, invalidated []string].
func (w *Watcher) parseSignal(sig *dbus.Signal) (string, bool, bool) {
	if sig == nil || sig.Name != propsSignal || len(sig.Body) < 2 {
		return "", false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return "", false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false, false
	}
	v, ok := changed["Connected"]
	if !ok {
		return "", false, false
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return "", false, false
	}

	mac := MACFromPath(w.adapter, sig.Path)
	if _, watched := w.devices[mac]; !watched {
		return "", false, false
	}
	return mac, connected, true
}

func (w *Watcher) log() Logger {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logger
}
