package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/budlink/internal/codec"
	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/transport"
	"github.com/nerrad567/budlink/internal/transport/aacp"
	"github.com/nerrad567/budlink/internal/transport/att"
	"github.com/nerrad567/budlink/internal/transport/l2cap"
)

// Link is an open family transport. It is the dispatch.Transport of the
// device queue.
type Link interface {
	Send(ctx context.Context, cmd codec.Command) error
	Close() error
}

// Handlers receive inbound traffic from a Link. They are called from the
// link's own goroutines and must not block on the link.
type Handlers struct {
	OnEvent      func(codec.RawEvent)
	OnDisconnect func(error)
}

// Connector opens the transport for a device.
type Connector interface {
	Connect(ctx context.Context, id string, family device.Family, h Handlers) (Link, error)
}

// L2CAPConnector opens AACP or raw ATT channels over L2CAP.
type L2CAPConnector struct {
	Dial    l2cap.DialFunc
	AACPPSM uint16
	ATTPSM  uint16

	// Timeout bounds dialling plus the handshake or subscription.
	Timeout time.Duration

	Logger Logger
}

// Connect implements Connector.
func (c *L2CAPConnector) Connect(ctx context.Context, id string, family device.Family, h Handlers) (Link, error) {
	dial := c.Dial
	if dial == nil {
		dial = l2cap.Dial
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	switch family {
	case device.FamilyAirPods:
		cl, err := aacp.Dial(ctx, dial, id, c.AACPPSM, aacp.Config{
			OnEvent: func(ev aacp.Event) {
				if h.OnEvent != nil {
					h.OnEvent(codec.RawEvent{AACP: &ev})
				}
			},
			OnDisconnect: h.OnDisconnect,
		})
		if err != nil {
			return nil, err
		}
		if c.Logger != nil {
			cl.SetLogger(c.Logger)
		}
		return &aacpLink{client: cl}, nil

	case device.FamilyNothing:
		cl, err := att.Dial(ctx, dial, id, c.ATTPSM, att.Config{
			OnNotification: func(n att.Notification) {
				if h.OnEvent != nil {
					h.OnEvent(codec.RawEvent{ATT: &n})
				}
			},
			OnDisconnect: h.OnDisconnect,
		})
		if err != nil {
			return nil, err
		}
		if c.Logger != nil {
			cl.SetLogger(c.Logger)
		}
		if err := cl.Subscribe(ctx, att.HandleNothingEverything); err != nil {
			cl.Close()
			return nil, fmt.Errorf("subscribing to %s: %w", att.HandleNothingEverything, err)
		}
		return &attLink{client: cl}, nil

	default:
		return nil, fmt.Errorf("%w: %q", device.ErrInvalidFamily, family)
	}
}

var errEmptyCommand = errors.New("session: command has no payload")

type aacpLink struct {
	client *aacp.Client
}

func (l *aacpLink) Send(ctx context.Context, cmd codec.Command) error {
	if len(cmd.Packet) == 0 {
		return transport.NewError(transport.ReasonRejected, "aacp send", errEmptyCommand)
	}
	return l.client.Send(ctx, cmd.Packet)
}

func (l *aacpLink) Close() error { return l.client.Close() }

type attLink struct {
	client *att.Client
}

func (l *attLink) Send(ctx context.Context, cmd codec.Command) error {
	if cmd.Handle == 0 {
		return transport.NewError(transport.ReasonRejected, "att write", errEmptyCommand)
	}
	return l.client.Write(ctx, cmd.Handle, cmd.Frame)
}

func (l *attLink) Close() error { return l.client.Close() }
