package browserd

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// DefaultRequestDeadline is the deadline applied to a send_request call that
// doesn't carry one of its own via context.WithTimeout (§4.1, §6).
const DefaultRequestDeadline = 30 * time.Second

// clientState mirrors the CDP Client's lifecycle: Idle -> Connected, or
// Connected -> Broken on transport failure. There is no automatic recovery
// from Broken (see SPEC_FULL.md, Open Question ii).
type clientState int32

const (
	clientIdle clientState = iota
	clientConnected
	clientBroken
	clientClosed
)

// Client is the sole WebSocket connection to one browser endpoint. It
// multiplexes every concurrent request/response pair issued by every Page
// sharing the owning Browser, and demultiplexes asynchronous browser events
// to the Dispatcher. This is component C1 of the design.
//
// Client plays the role chromedp.Browser's run/Execute pair plays: writes
// serialized through one mutex, request ids allocated under the same critical
// section as waiter registration and the write (so no response can race its
// own waiter), and a
// reader goroutine that either resolves a pending waiter by id or hands an
// event off to the Dispatcher.
type Client struct {
	endpoint   string
	dispatcher *Dispatcher

	conn Transport

	next int64 // atomic, monotonically increasing request id

	writeMu sync.Mutex // serializes id allocation, waiter registration and the frame write

	mu      sync.Mutex
	pending map[int64]chan *cdproto.Message

	state int32 // atomic clientState

	defaultDeadline time.Duration

	logf, errf LogFunc
	dbgf       LogFunc

	closeOnce sync.Once
	readDone  chan struct{}
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithClientLogf sets the general logging sink.
func WithClientLogf(f LogFunc) ClientOption {
	return func(c *Client) { c.logf = f }
}

// WithClientErrorf sets the error logging sink.
func WithClientErrorf(f LogFunc) ClientOption {
	return func(c *Client) { c.errf = f }
}

// WithClientDebugf sets a protocol-frame logger, invoked once per inbound and
// outbound frame with its id, method and session id (not the raw frame
// bytes), in the spirit of chromedp's WithConnDebugf.
func WithClientDebugf(f LogFunc) ClientOption {
	return func(c *Client) { c.dbgf = f }
}

// WithDefaultDeadline overrides DefaultRequestDeadline for calls issued
// through this client without their own context deadline.
func WithDefaultDeadline(d time.Duration) ClientOption {
	return func(c *Client) { c.defaultDeadline = d }
}

// NewClient constructs a Client bound to a browser endpoint and a
// Dispatcher to fan CDP events out to. The connection is not dialed until
// Connect is called.
func NewClient(endpoint string, dispatcher *Dispatcher, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:        endpoint,
		dispatcher:      dispatcher,
		pending:         make(map[int64]chan *cdproto.Message),
		defaultDeadline: DefaultRequestDeadline,
		logf:            defaultLogf,
		errf:            defaultErrf,
		readDone:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the WebSocket endpoint and starts the reader goroutine.
// Connect is idempotent once it has succeeded.
func (c *Client) Connect(ctx context.Context) error {
	if clientState(atomic.LoadInt32(&c.state)) == clientConnected {
		return nil
	}
	conn, err := dialContext(ctx, c.endpoint)
	if err != nil {
		return ErrTransportUnavailable
	}
	c.conn = conn
	atomic.StoreInt32(&c.state, int32(clientConnected))
	go c.readLoop()
	return nil
}

// Broken reports whether the underlying transport has failed. A Broken
// client never recovers; the owning Browser decides whether to tear down.
func (c *Client) Broken() bool {
	return clientState(atomic.LoadInt32(&c.state)) == clientBroken
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		msg := new(cdproto.Message)
		if err := c.conn.Read(msg); err != nil {
			c.fail(ErrTransportBroken)
			return
		}
		if c.dbgf != nil {
			c.dbgf("<- id=%d method=%s session=%s", msg.ID, msg.Method, msg.SessionID)
		}

		switch {
		case msg.Method != "":
			c.dispatcher.publish(eventFromMessage(msg))

		case msg.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if !ok {
				// Late response for a retired id (already timed out or
				// cancelled), or an id we never registered. Both are
				// logged and dropped per §4.1.
				c.errf("id %d not present in pending map", msg.ID)
				continue
			}
			ch <- msg
			close(ch)

		default:
			c.errf("ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

// fail transitions the client to Broken, fails every outstanding waiter, and
// publishes a SessionError so subscribers learn the transport is gone
// without having to poll Broken().
func (c *Client) fail(cause error) {
	if !atomic.CompareAndSwapInt32(&c.state, int32(clientConnected), int32(clientBroken)) {
		return
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *cdproto.Message)
	c.mu.Unlock()

	for id, ch := range pending {
		close(ch)
		_ = id
	}

	c.errf("client %s: transport failed: %v", c.endpoint, cause)
	c.dispatcher.publish(Event{
		Kind:      EventSessionError,
		Method:    "",
		Payload:   json.RawMessage(`"` + cause.Error() + `"`),
		Timestamp: monotonicNow(),
	})
}

// SendRequest allocates a monotonically increasing request id, serializes
// {id, method, params, sessionId?}, writes it to the socket, and suspends
// the caller until either a matching response arrives or the deadline
// expires (§4.1).
func (c *Client) SendRequest(ctx context.Context, method cdproto.MethodType, params easyjson.Marshaler, sessionID string) (*cdproto.Message, error) {
	if c.Broken() {
		return nil, ErrTransportBroken
	}

	var paramsBuf easyjson.RawMessage
	if params != nil {
		buf, err := easyjson.Marshal(params)
		if err != nil {
			return nil, err
		}
		paramsBuf = buf
	} else {
		paramsBuf = emptyObj
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultDeadline)
		defer cancel()
	}

	ch := make(chan *cdproto.Message, 1)

	// Id allocation, waiter registration and the write all happen while
	// c.writeMu is held, so frames go out one at a time in id order, and
	// the waiter is in c.pending before the frame that can produce its
	// response is written.
	c.writeMu.Lock()
	id := atomic.AddInt64(&c.next, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	msg := &cdproto.Message{
		ID:        id,
		Method:    method,
		Params:    paramsBuf,
		SessionID: target.SessionID(sessionID),
	}
	if c.dbgf != nil {
		c.dbgf("-> id=%d method=%s session=%s", id, method, sessionID)
	}
	err := c.conn.Write(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.fail(ErrTransportBroken)
		return nil, ErrTransportBroken
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			if clientState(atomic.LoadInt32(&c.state)) == clientClosed {
				return nil, ErrCancelled
			}
			return nil, ErrTransportBroken
		}
		if msg.Error != nil {
			return nil, &CdpError{Code: msg.Error.Code, Message: msg.Error.Message}
		}
		return msg, nil

	case <-ctx.Done():
		// Retire the id permanently: remove the waiter so a late
		// response is dropped rather than delivered to a new caller.
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if ctx.Err() == context.Canceled {
			return nil, ErrCancelled
		}
		return nil, ErrTimeout
	}
}

// Close marks the client closed, fails every pending request with
// ErrCancelled, and closes the transport. It sends no WebSocket close frame
// (wsConn.Close drops the connection directly), and it leaves the
// Dispatcher and its subscriptions untouched.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(clientClosed))
		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[int64]chan *cdproto.Message)
		c.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// emptyObj is an empty JSON object message, used when a command takes no
// params.
var emptyObj = easyjson.RawMessage([]byte(`{}`))

// eventFromMessage converts a raw method-bearing cdproto.Message into the
// Event the Dispatcher fans out. The payload is kept as raw JSON; callers
// needing a typed event use cdproto.UnmarshalMessage themselves.
func eventFromMessage(msg *cdproto.Message) Event {
	return Event{
		Kind:      eventKindForMethod(string(msg.Method)),
		Method:    string(msg.Method),
		SessionID: string(msg.SessionID),
		Payload:   json.RawMessage(msg.Params),
		Timestamp: monotonicNow(),
	}
}

