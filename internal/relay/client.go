// Package relay is the per-URL duplex channel to a relay: subscribe for a
// stream of EVENT/EOSE/CLOSED frames, and publish signed events. Grounded
// on the teacher's pkg/protocol/ws/client.go (write queue, ping loop,
// envelope-type dispatch, OK-callback map), generalized from a relay's
// inbound connection handling to an outbound client connection, and ported
// from fasthttp/websocket framing onto github.com/coder/websocket, the
// transport the teacher's own relay-client code already depends on.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"zapgate.dev/internal/chk"
	"zapgate.dev/internal/log"
	"zapgate.dev/internal/nostr/event"
	"zapgate.dev/internal/nostr/filter"
)

// FrameKind distinguishes the subscription frames a relay sends.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameEOSE
	FrameClosed
	FrameNotice
	FrameOK
)

// Frame is a parsed inbound relay message.
type Frame struct {
	Kind      FrameKind
	SubID     string
	Event     *event.E
	Reason    string
	EventID   string
	OK        bool
	OKMessage string
}

type writeRequest struct {
	msg []byte
	ack chan error
}

// Client is a connection to a single relay.
type Client struct {
	URL string

	conn   *websocket.Conn
	writeQ chan writeRequest

	Frames chan Frame // dispatched inbound frames

	MessagesIn  atomic.Int64
	MessagesOut atomic.Int64
	Errors      atomic.Int64

	okWaiters *xsync.MapOf[string, chan Frame]

	mu     sync.Mutex
	closed bool
}

// New constructs an unconnected client for url.
func New(url string) *Client {
	return &Client{
		URL:       url,
		writeQ:    make(chan writeRequest, 64),
		Frames:    make(chan Frame, 256),
		okWaiters: xsync.NewMapOf[string, chan Frame](),
	}
}

// Connect dials the relay and starts its read/write pumps. The returned
// error is nil once the websocket handshake succeeds; pump failures surface
// asynchronously via ctx cancellation and Frames channel closure.
func (c *Client) Connect(ctx context.Context) (err error) {
	var conn *websocket.Conn
	if conn, _, err = websocket.Dial(ctx, c.URL, nil); err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	conn.SetReadLimit(10 << 20)
	c.conn = conn

	go c.writePump(ctx)
	go c.readPump(ctx)
	return nil
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(29 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				log.I.F("{%s} ping failed: %v; closing", c.URL, err)
				c.closeWithReason(websocket.StatusNormalClosure, "ping failed")
				return
			}
		case wr := <-c.writeQ:
			err := c.conn.Write(ctx, websocket.MessageText, wr.msg)
			if wr.ack != nil {
				wr.ack <- err
			}
			if err != nil {
				c.Errors.Add(1)
				return
			}
			c.MessagesOut.Add(1)
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer close(c.Frames)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.Errors.Add(1)
			return
		}
		c.MessagesIn.Add(1)
		frame, ok := parseFrame(data)
		if !ok {
			continue
		}
		if frame.Kind == FrameOK {
			if ch, found := c.okWaiters.Load(frame.EventID); found {
				ch <- frame
				continue
			}
		}
		select {
		case c.Frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) closeWithReason(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close(code, reason)
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.closeWithReason(websocket.StatusNormalClosure, "closing")
	return nil
}

// Subscribe sends a REQ frame for subID/f. The caller reads matching frames
// off c.Frames.
func (c *Client) Subscribe(ctx context.Context, subID string, f *filter.F) error {
	fb, err := json.Marshal(f)
	if err != nil {
		return err
	}
	msg := append([]byte(`["REQ",`+quote(subID)+`,`), fb...)
	msg = append(msg, ']')
	return c.write(ctx, msg)
}

// Unsubscribe sends a CLOSE frame for subID.
func (c *Client) Unsubscribe(ctx context.Context, subID string) error {
	return c.write(ctx, []byte(`["CLOSE",`+quote(subID)+`]`))
}

// Publish sends an EVENT frame and waits (bounded by ctx) for an OK
// response, succeeding only when the relay accepts the event.
func (c *Client) Publish(ctx context.Context, ev *event.E) error {
	eb, err := ev.Marshal()
	if err != nil {
		return err
	}
	msg := append([]byte(`["EVENT",`), eb...)
	msg = append(msg, ']')

	id := ev.IdString()
	waitCh := make(chan Frame, 1)
	c.okWaiters.Store(id, waitCh)
	defer c.okWaiters.Delete(id)

	if err = c.write(ctx, msg); err != nil {
		return err
	}

	select {
	case f := <-waitCh:
		if !f.OK {
			return fmt.Errorf("relay rejected event %s: %s", id, f.OKMessage)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ack := make(chan error, 1)
	select {
	case c.writeQ <- writeRequest{msg: msg, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// parseFrame identifies and decodes one relay->client frame.
func parseFrame(data []byte) (f Frame, ok bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); chk.E(err) || len(raw) == 0 {
		return f, false
	}
	var label string
	if err := json.Unmarshal(raw[0], &label); chk.E(err) {
		return f, false
	}
	switch strings.ToUpper(label) {
	case "EVENT":
		if len(raw) < 3 {
			return f, false
		}
		var subID string
		_ = json.Unmarshal(raw[1], &subID)
		ev := event.New()
		if err := ev.Unmarshal(raw[2]); chk.E(err) {
			return f, false
		}
		return Frame{Kind: FrameEvent, SubID: subID, Event: ev}, true
	case "EOSE":
		if len(raw) < 2 {
			return f, false
		}
		var subID string
		_ = json.Unmarshal(raw[1], &subID)
		return Frame{Kind: FrameEOSE, SubID: subID}, true
	case "CLOSED":
		if len(raw) < 2 {
			return f, false
		}
		var subID, reason string
		_ = json.Unmarshal(raw[1], &subID)
		if len(raw) > 2 {
			_ = json.Unmarshal(raw[2], &reason)
		}
		return Frame{Kind: FrameClosed, SubID: subID, Reason: reason}, true
	case "NOTICE":
		var msg string
		if len(raw) > 1 {
			_ = json.Unmarshal(raw[1], &msg)
		}
		return Frame{Kind: FrameNotice, Reason: msg}, true
	case "OK":
		if len(raw) < 3 {
			return f, false
		}
		var id string
		var okFlag bool
		var msg string
		_ = json.Unmarshal(raw[1], &id)
		_ = json.Unmarshal(raw[2], &okFlag)
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &msg)
		}
		return Frame{Kind: FrameOK, EventID: id, OK: okFlag, OKMessage: msg}, true
	default:
		return f, false
	}
}
