package att

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
	defaultWriteTimeout    = 5 * time.Second
	defaultResponseTimeout = 5 * time.Second
	defaultReadTimeout     = 30 * time.Second

	// defaultMTU is the minimum ATT MTU; values longer than MTU-3 are
	// rejected.
	defaultMTU = 23

	notificationQueueSize = 64
)

// Config holds bearer settings. Zero values use defaults.
type Config struct {
	WriteTimeout    time.Duration
	ResponseTimeout time.Duration
	ReadTimeout     time.Duration

	// MTU is the negotiated ATT MTU.
	MTU int

	// WithoutResponse sends write commands instead of write requests.
	// The headset then never acknowledges or rejects a write.
	WithoutResponse bool

	// OnNotification and OnDisconnect are installed before the receive
	// loop starts.
	OnNotification func(Notification)
	OnDisconnect   func(error)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Stats holds operational counters.
type Stats struct {
	WritesTx             uint64
	NotificationsRx      uint64
	NotificationsDropped uint64
	Rejections           uint64
	ErrorsTotal          uint64
	LastActivity         time.Time
	Connected            bool
}

// Client performs raw ATT writes and receives notifications on one
// bearer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - At most one request is outstanding; concurrent writes queue on a
//     mutex in arrival order.
//   - Notifications are delivered by a single goroutine in arrival order.
type Client struct {
	cfg  Config
	conn l2cap.Conn
	addr string

	connMu    sync.RWMutex
	connected bool

	reqMu   sync.Mutex
	writeMu sync.Mutex

	respMu  sync.Mutex
	pending chan []byte

	onNotification func(Notification)
	onDisconnect   func(error)
	callbackMu     sync.RWMutex

	notifyQueue chan Notification
	lost        *closeOnce
	done        *closeOnce
	wg          sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	writesTx             atomic.Uint64
	notificationsRx      atomic.Uint64
	notificationsDropped atomic.Uint64
	rejections           atomic.Uint64
	errorsTotal          atomic.Uint64
	lastActivity         atomic.Int64
}

// Dial opens the ATT bearer to addr and starts a client on it.
func Dial(ctx context.Context, dial l2cap.DialFunc, addr string, psm uint16, cfg Config) (*Client, error) {
	if psm == 0 {
		psm = l2cap.PSMATT
	}
	conn, err := dial(ctx, addr, psm)
	if err != nil {
		return nil, transport.Classify("att dial", err)
	}
	return Open(conn, addr, cfg), nil
}

// Open starts a client on an already connected bearer. The client takes
// ownership of conn.
func Open(conn l2cap.Conn, addr string, cfg Config) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MTU < defaultMTU {
		cfg.MTU = defaultMTU
	}

	c := &Client{
		cfg:            cfg,
		conn:           conn,
		addr:           addr,
		connected:      true,
		onNotification: cfg.OnNotification,
		onDisconnect:   cfg.OnDisconnect,
		notifyQueue:    make(chan Notification, notificationQueueSize),
		lost:           newCloseOnce(),
		done:           newCloseOnce(),
	}
	c.lastActivity.Store(time.Now().Unix())

	c.wg.Add(2)
	go c.notificationWorker()
	go c.receiveLoop()
	return c
}

// Write writes a 13-byte frame to h and waits for the acknowledgement.
//
// Returns:
//   - error: *transport.Error; rejected wraps the headset's *ResponseError
func (c *Client) Write(ctx context.Context, h Handle, frame [FrameSize]byte) error {
	return c.WriteValue(ctx, h, frame[:])
}

// WriteValue writes an arbitrary value to h.
func (c *Client) WriteValue(ctx context.Context, h Handle, value []byte) error {
	if len(value) > c.cfg.MTU-3 {
		return fmt.Errorf("%w: %d bytes, MTU %d", ErrValueTooLong, len(value), c.cfg.MTU)
	}
	if !c.IsConnected() {
		return transport.NewError(transport.ReasonDisconnected, "att write", ErrNotConnected)
	}

	if c.cfg.WithoutResponse {
		return c.writePDU(ctx, encodeWrite(OpWriteCommand, h, value))
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp := make(chan []byte, 1)
	c.respMu.Lock()
	c.pending = resp
	c.respMu.Unlock()
	defer func() {
		c.respMu.Lock()
		c.pending = nil
		c.respMu.Unlock()
	}()

	if err := c.writePDU(ctx, encodeWrite(OpWriteRequest, h, value)); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case pdu := <-resp:
		if pdu[0] == OpWriteResponse {
			return nil
		}
		rerr, err := parseErrorResponse(pdu)
		if err != nil {
			return transport.NewError(transport.ReasonRejected, "att write", err)
		}
		c.rejections.Add(1)
		return transport.NewError(transport.ReasonRejected, "att write", rerr)
	case <-timer.C:
		err := transport.NewError(transport.ReasonTimeout, "att write", errors.New("no write response"))
		c.abandonBearer(err)
		return err
	case <-ctx.Done():
		err := transport.Classify("att write", ctx.Err())
		c.abandonBearer(err)
		return err
	case <-c.lost.Done():
		return transport.NewError(transport.ReasonDisconnected, "att write", ErrNotConnected)
	}
}

// Subscribe enables notifications for h by writing its CCCD.
func (c *Client) Subscribe(ctx context.Context, h Handle) error {
	return c.WriteValue(ctx, h.CCCD(), cccdEnableNotifications)
}

func (c *Client) writePDU(ctx context.Context, pdu []byte) error {
	if err := ctx.Err(); err != nil {
		return transport.Classify("att write", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return transport.Classify("att write", err)
	}
	if _, err := c.conn.Write(pdu); err != nil {
		c.errorsTotal.Add(1)
		return transport.Classify("att write", err)
	}

	c.writesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

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
		if n == 0 {
			continue
		}

		c.lastActivity.Store(time.Now().Unix())
		pdu := make([]byte, n)
		copy(pdu, buf[:n])
		c.handlePDU(pdu)
	}
}

func (c *Client) handlePDU(pdu []byte) {
	switch pdu[0] {
	case OpWriteResponse, OpErrorResponse:
		c.respMu.Lock()
		ch := c.pending
		c.pending = nil
		c.respMu.Unlock()
		if ch == nil {
			c.logDebug("unsolicited response", "device", c.addr, "pdu", fmt.Sprintf("% X", pdu))
			return
		}
		ch <- pdu

	case OpNotification, OpIndication:
		n, err := parseHandleValue(pdu)
		if err != nil {
			c.errorsTotal.Add(1)
			c.logWarn("malformed notification", "device", c.addr, "error", err)
			return
		}
		if pdu[0] == OpIndication {
			if err := c.writePDU(context.Background(), []byte{OpConfirmation}); err != nil {
				c.logWarn("indication confirm failed", "device", c.addr, "error", err)
			}
		}
		c.notificationsRx.Add(1)
		c.enqueue(n)

	default:
		c.logDebug("ignoring PDU", "device", c.addr, "opcode", pdu[0])
	}
}

func (c *Client) enqueue(n Notification) {
	c.callbackMu.RLock()
	hasCallback := c.onNotification != nil
	c.callbackMu.RUnlock()
	if !hasCallback {
		return
	}

	select {
	case c.notifyQueue <- n:
	default:
		c.notificationsDropped.Add(1)
		c.errorsTotal.Add(1)
		c.logWarn("notification queue full, dropping", "device", c.addr, "handle", n.Handle)
	}
}

func (c *Client) notificationWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case n := <-c.notifyQueue:
			c.callbackMu.RLock()
			callback := c.onNotification
			c.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logError("notification callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(n)
				}()
			}
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	c.lost.Close()

	if c.isClosed() || !wasConnected {
		return
	}

	c.logInfo("bearer lost", "device", c.addr, "error", err)

	c.callbackMu.RLock()
	fn := c.onDisconnect
	c.callbackMu.RUnlock()
	if fn != nil {
		fn(transport.Classify("att read", err))
	}
}

// abandonBearer fails the bearer after a request was left unanswered.
// ATT allows one outstanding request per bearer, so a late response could
// otherwise be credited to the next request.
func (c *Client) abandonBearer(cause error) {
	c.errorsTotal.Add(1)
	c.handleDisconnect(cause)
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
		c.logDebug("closing abandoned bearer", "device", c.addr, "error", err)
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close shuts the bearer down and waits for the client goroutines.
// Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	c.lost.Close()

	err := c.conn.Close()
	c.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("closing att bearer: %w", err)
	}
	return nil
}

// SetOnNotification sets the notification callback.
func (c *Client) SetOnNotification(callback func(Notification)) {
	c.callbackMu.Lock()
	c.onNotification = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets the callback fired when the bearer fails.
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

// IsConnected reports whether the bearer is usable.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		WritesTx:             c.writesTx.Load(),
		NotificationsRx:      c.notificationsRx.Load(),
		NotificationsDropped: c.notificationsDropped.Load(),
		Rejections:           c.rejections.Load(),
		ErrorsTotal:          c.errorsTotal.Load(),
		LastActivity:         time.Unix(c.lastActivity.Load(), 0),
		Connected:            c.IsConnected(),
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
