package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/coachpo/ordersync/internal/domain/errs"
)

const defaultReadLimit = 1 << 20

// ErrClosed is returned by Conn.Read after a normal closure by either side.
var ErrClosed = errors.New("channel: connection closed")

// Conn is one established push connection. Read returns the next text frame.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a push connection for a role.
type Dialer interface {
	Dial(ctx context.Context, role string) (Conn, error)
}

// WebsocketDialer dials <BaseURL>/ws/<role>/ with coder/websocket.
type WebsocketDialer struct {
	BaseURL    string
	ReadLimit  int64
	HTTPClient *http.Client
	// Token returns the bearer credential, or "" for anonymous connections.
	Token func() string
}

// Endpoint returns the socket URL for role.
func (d *WebsocketDialer) Endpoint(role string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(d.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse push base url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("push base url: unsupported scheme %q", base.Scheme)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/ws/" + url.PathEscape(role) + "/"
	if d.Token != nil {
		if token := strings.TrimSpace(d.Token()); token != "" {
			query := base.Query()
			query.Set("token", token)
			base.RawQuery = query.Encode()
		}
	}
	return base.String(), nil
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, role string) (Conn, error) {
	endpoint, err := d.Endpoint(role)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithCause(err), errs.WithField("role", role))
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		opts := []errs.Option{errs.WithMessage("dial"), errs.WithCause(err), errs.WithField("role", role)}
		if resp != nil {
			opts = append(opts, errs.WithHTTP(resp.StatusCode))
		}
		return nil, errs.New(component, errs.CodeTransport, opts...)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					return nil, ErrClosed
				}
				return nil, fmt.Errorf("read: remote closed with status %d", status)
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
