package aacp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/budlink/internal/transport"
	"github.com/nerrad567/budlink/internal/transport/l2cap"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

const (
	// defaultWriteTimeout bounds a single packet write.
	defaultWriteTimeout = 5 * time.Second

	// defaultReadTimeout is the idle read deadline. Timeouts are normal
	// and only re-arm the deadline.
	defaultReadTimeout = 30 * time.Second

	// eventQueueSize is the buffer between the receive loop and the event
	// callback.
	eventQueueSize = 64
)

// Config holds channel settings. Zero values use defaults.
type Config struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// OnEvent and OnDisconnect are installed before the receive loop
	// starts, so packets sent right after the handshake are not missed.
	OnEvent      func(Event)
	OnDisconnect func(error)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Event is one inbound packet. Control or Information is set when the
// opcode is one budlink understands.
type Event struct {
	Opcode      uint16        `json:"opcode"`
	Control     *ControlEvent `json:"control,omitempty"`
	Information *Information  `json:"information,omitempty"`
	Payload     []byte        `json:"payload,omitempty"`
}

// Stats holds operational counters.
type Stats struct {
	PacketsTx     uint64
	PacketsRx     uint64
	EventsDropped uint64
	ErrorsTotal   uint64
	LastActivity  time.Time
	Connected     bool
}

// Client speaks AACP on one connected L2CAP channel.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Writes are serialised; each packet is written whole.
//   - Events are delivered by a single goroutine in arrival order.
//
// The client never reconnects. When the channel fails the disconnect
// callback fires once and every later send reports disconnected.
type Client struct {
	cfg  Config
	conn l2cap.Conn
	addr string

	connMu    sync.RWMutex
	connected bool
	lost      bool

	writeMu sync.Mutex

	onEvent      func(Event)
	onDisconnect func(error)
	callbackMu   sync.RWMutex

	eventQueue     chan Event
	disconnectOnce sync.Once

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	packetsTx     atomic.Uint64
	packetsRx     atomic.Uint64
	eventsDropped atomic.Uint64
	errorsTotal   atomic.Uint64
	lastActivity  atomic.Int64
}

// Dial opens the control channel to addr and performs the handshake.
func Dial(ctx context.Context, dial l2cap.DialFunc, addr string, psm uint16, cfg Config) (*Client, error) {
	if psm == 0 {
		psm = l2cap.PSMAACP
	}
	conn, err := dial(ctx, addr, psm)
	if err != nil {
		return nil, transport.Classify("aacp dial", err)
	}
	c, err := Open(ctx, conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Open starts a client on an already connected channel. It writes the
// handshake, enables all feature flags and requests notifications, then
// starts the receive loop.
//
// Parameters:
//   - ctx: Bounds the handshake writes
//   - conn: Connected channel; the client takes ownership
//   - addr: Device address, used in logs
//   - cfg: Timeouts
//
// Returns:
//   - *Client: Running client
//   - error: ErrHandshakeFailed wrapping the write error
func Open(ctx context.Context, conn l2cap.Conn, addr string, cfg Config) (*Client, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	c := &Client{
		cfg:          cfg,
		conn:         conn,
		addr:         addr,
		eventQueue:   make(chan Event, eventQueueSize),
		done:         newCloseOnce(),
		onEvent:      cfg.OnEvent,
		onDisconnect: cfg.OnDisconnect,
	}
	c.lastActivity.Store(time.Now().Unix())

	c.wg.Add(2)
	go c.eventWorker()
	go c.receiveLoop()

	for _, pkt := range [][]byte{handshakePacket, setFeaturesPacket, requestNotificationsPacket} {
		if err := c.write(ctx, pkt); err != nil {
			c.done.Close()
			conn.Close()
			c.wg.Wait()
			return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		}
	}

	c.connMu.Lock()
	c.connected = !c.lost
	c.connMu.Unlock()

	return c, nil
}

// Send writes one complete, already framed packet.
//
// Returns:
//   - error: *transport.Error; disconnected when the channel is gone
func (c *Client) Send(ctx context.Context, packet []byte) error {
	if !c.IsConnected() {
		return transport.NewError(transport.ReasonDisconnected, "aacp send", ErrNotConnected)
	}
	return c.write(ctx, packet)
}

// SendControlCommand writes a control command for id with value. A value
// that does not fit the packet fails with reason rejected wrapping
// ErrPayloadTooLong, and nothing is sent.
func (c *Client) SendControlCommand(ctx context.Context, id ControlID, value []byte) error {
	pkt, err := EncodeControlCommand(id, value)
	if err != nil {
		return transport.NewError(transport.ReasonRejected, "aacp control", err)
	}
	return c.Send(ctx, pkt)
}

// SendRenamePacket asks the headset to adopt name.
func (c *Client) SendRenamePacket(ctx context.Context, name string) error {
	pkt, err := EncodeRename(name)
	if err != nil {
		return transport.NewError(transport.ReasonRejected, "aacp rename", err)
	}
	return c.Send(ctx, pkt)
}

func (c *Client) write(ctx context.Context, pkt []byte) error {
	if err := ctx.Err(); err != nil {
		return transport.Classify("aacp write", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return transport.Classify("aacp write", err)
	}

	if _, err := c.conn.Write(pkt); err != nil {
		c.errorsTotal.Add(1)
		return transport.Classify("aacp write", err)
	}

	c.packetsTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// receiveLoop reads packets until the channel fails or Close is called.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, l2cap.MaxPacketSize)
	for {
		if c.isClosed() {
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.handleDisconnect(err)
			return
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.handleDisconnect(err)
			return
		}

		c.packetsRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.handlePacket(buf[:n])
	}
}

func (c *Client) handlePacket(raw []byte) {
	pkt, err := ParsePacket(raw)
	if err != nil {
		// Handshake replies use a different header and land here.
		c.logDebug("ignoring packet", "device", c.addr, "error", err, "payload", fmt.Sprintf("% X", raw))
		return
	}

	ev := Event{Opcode: pkt.Opcode, Payload: pkt.Payload}
	switch pkt.Opcode {
	case OpcodeControlCommand:
		ce, err := ParseControlEvent(pkt.Payload)
		if err != nil {
			c.errorsTotal.Add(1)
			c.logWarn("malformed control event", "device", c.addr, "error", err)
			return
		}
		ev.Control = &ce
	case OpcodeInformation:
		info := ParseInformation(pkt.Payload)
		ev.Information = &info
	}

	c.callbackMu.RLock()
	hasCallback := c.onEvent != nil
	c.callbackMu.RUnlock()
	if !hasCallback {
		return
	}

	select {
	case c.eventQueue <- ev:
	default:
		c.eventsDropped.Add(1)
		c.errorsTotal.Add(1)
		c.logWarn("event queue full, dropping event", "device", c.addr, "opcode", pkt.Opcode)
	}
}

// eventWorker delivers queued events one at a time.
func (c *Client) eventWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case ev := <-c.eventQueue:
			c.callbackMu.RLock()
			callback := c.onEvent
			c.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logError("event callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(ev)
				}()
			}
		}
	}
}

// handleDisconnect marks the channel dead and fires the disconnect
// callback once. Errors caused by Close are not reported.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.lost = true
	c.connMu.Unlock()

	if c.isClosed() {
		return
	}

	c.disconnectOnce.Do(func() {
		c.logInfo("channel lost", "device", c.addr, "error", err)

		c.callbackMu.RLock()
		fn := c.onDisconnect
		c.callbackMu.RUnlock()
		if fn != nil {
			fn(transport.Classify("aacp read", err))
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close shuts the channel down and waits for the client goroutines.
// Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("closing aacp channel: %w", err)
	}
	return nil
}

// SetOnEvent sets the callback for inbound events.
func (c *Client) SetOnEvent(callback func(Event)) {
	c.callbackMu.Lock()
	c.onEvent = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets the callback fired when the channel fails.
// It is not fired for Close.
func (c *Client) SetOnDisconnect(callback func(error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected reports whether the channel is usable.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		PacketsTx:     c.packetsTx.Load(),
		PacketsRx:     c.packetsRx.Load(),
		EventsDropped: c.eventsDropped.Load(),
		ErrorsTotal:   c.errorsTotal.Load(),
		LastActivity:  time.Unix(c.lastActivity.Load(), 0),
		Connected:     c.IsConnected(),
	}
}

func (c *Client) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if l := c.log(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if l := c.log(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if l := c.log(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if l := c.log(); l != nil {
		l.Error(msg, "error", err)
	}
}
