// Package wire implements the JSON text-frame transport for the Sync
// Engine: a long-lived bidirectional connection to
// wss://{host}/runtime/session?app_id={id}, with exponential-backoff
// reconnects on drop.
package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one wire frame: an object with an "op" discriminator plus
// whatever fields that op carries.
type Message map[string]any

// Op returns the message's op discriminator, or "" if absent/non-string.
func (m Message) Op() string {
	op, _ := m["op"].(string)
	return op
}

// Conn is a single, already-established transport connection: a thin
// wrapper so the Sync Engine depends on an interface, not gorilla's
// concrete type, for tests.
type Conn interface {
	Send(Message) error
	Recv() (Message, error)
	Close() error
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(m Message) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, encoded)
}

func (c *wsConn) Recv() (Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// Dialer opens new Conns against a fixed base URL and app ID. Separated
// from the reconnect loop so tests can substitute a fake dialer.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type wsDialer struct {
	baseURL string
	appID   string
}

// NewDialer builds a Dialer for wss://{host}/runtime/session?app_id={id},
// deriving the scheme from baseURL (http->ws, https->wss, or passed
// through unchanged if already a ws/wss URL).
func NewDialer(baseURL, appID string) (Dialer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/runtime/session"
	q := u.Query()
	q.Set("app_id", appID)
	u.RawQuery = q.Encode()
	return &wsDialer{baseURL: u.String(), appID: appID}, nil
}

func (d *wsDialer) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, d.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.baseURL, err)
	}
	return &wsConn{ws: ws}, nil
}

// Backoff computes exponential reconnect delays, doubling from a
// configured base delay up to a cap.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay before the next reconnect attempt and advances
// the attempt counter.
func (b *Backoff) Next() time.Duration {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	d := b.Base << b.attempt
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Loop dials repeatedly, handing each successful Conn to onConn and
// blocking until onConn returns (the connection dropped or was closed).
// It sleeps with exponential backoff between attempts and stops when
// ctx is cancelled.
func Loop(ctx context.Context, dialer Dialer, backoff *Backoff, onConn func(Conn)) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := dialer.Dial(ctx)
		if err != nil {
			delay := backoff.Next()
			slog.Warn("sync: dial failed, backing off", "err", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff.Reset()
		onConn(conn)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(backoff.Next()):
		case <-ctx.Done():
			return
		}
	}
}
