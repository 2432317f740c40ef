package browserd

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
)

// easyjsonRawInt encodes i as a bare JSON number wrapped in an
// easyjson.RawMessage, whose pointer is the cheapest easyjson.Marshaler for a
// per-request payload distinct index that the fake responder can echo
// back verbatim (spec scenario S6).
func easyjsonRawInt(i int) easyjson.RawMessage {
	return easyjson.RawMessage(strconv.Itoa(i))
}

// fakeTransport is an in-memory Transport stand-in, the same role
// tests/mock_chrome.rs plays in the original implementation and the role
// chromedp's own tests fill with httptest servers: a deterministic substitute
// for a real browser socket.
type fakeTransport struct {
	mu       sync.Mutex
	writes   []*cdproto.Message
	incoming chan *cdproto.Message
	closed   bool

	// respond, when set, is called synchronously from Write to produce a
	// response message queued for the next Read.
	respond func(*cdproto.Message) *cdproto.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan *cdproto.Message, 64)}
}

func (f *fakeTransport) Write(msg *cdproto.Message) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrTransportBroken
	}
	f.writes = append(f.writes, msg)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if resp := respond(msg); resp != nil {
			f.incoming <- resp
		}
	}
	return nil
}

func (f *fakeTransport) Read(msg *cdproto.Message) error {
	m, ok := <-f.incoming
	if !ok {
		return ErrTransportBroken
	}
	*msg = *m
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.incoming)
	return nil
}

// newTestClient builds a Client wired to a fakeTransport, skipping
// Client.Connect's real dial so tests never touch a network socket.
func newTestClient(t *testing.T, ft *fakeTransport) *Client {
	t.Helper()
	c := NewClient("ws://fake", NewDispatcher())
	c.conn = ft
	c.state = int32(clientConnected)
	go c.readLoop()
	return c
}

func echoResponder(msg *cdproto.Message) *cdproto.Message {
	return &cdproto.Message{ID: msg.ID, Result: []byte(`{"ok":true}`)}
}

func TestSendRequestEchoesID(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.respond = echoResponder
	c := newTestClient(t, ft)
	defer c.Close()

	msg, err := c.SendRequest(context.Background(), cdproto.MethodType("Page.enable"), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", msg.Result)
	}
}

// TestSendRequestConcurrentNoCrosstalk mirrors spec scenario S6: 100
// concurrent requests must each receive their own response, never another
// caller's.
func TestSendRequestConcurrentNoCrosstalk(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.respond = func(msg *cdproto.Message) *cdproto.Message {
		return &cdproto.Message{ID: msg.ID, Result: msg.Params}
	}
	c := newTestClient(t, ft)
	defer c.Close()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			params := easyjsonRawInt(i)
			msg, err := c.SendRequest(context.Background(), cdproto.MethodType("Runtime.evaluate"), &params, "")
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			if string(msg.Result) != strconv.Itoa(i) {
				t.Errorf("request %d: got result %s", i, msg.Result)
			}
		}(i)
	}
	wg.Wait()
}

func TestSendRequestTimeout(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.SendRequest(ctx, cdproto.MethodType("Page.enable"), nil, "")
	if err != ErrTimeout {
		t.Fatalf("want ErrTimeout, got %v", err)
	}

	// The client must remain usable afterwards (spec S7).
	ft.respond = echoResponder
	if _, err := c.SendRequest(context.Background(), cdproto.MethodType("Page.enable"), nil, ""); err != nil {
		t.Fatalf("client unusable after timeout: %v", err)
	}
}

func TestSendRequestBrokenTransport(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	ft.Close()

	// readLoop should observe the closed incoming channel and fail the
	// client; give it a moment to do so.
	deadline := time.Now().Add(time.Second)
	for !c.Broken() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !c.Broken() {
		t.Fatal("client did not transition to Broken")
	}

	_, err := c.SendRequest(context.Background(), cdproto.MethodType("Page.enable"), nil, "")
	if err != ErrTransportBroken {
		t.Fatalf("want ErrTransportBroken, got %v", err)
	}
}

func TestBrokenTransportPublishesSessionError(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	d := NewDispatcher()
	c := NewClient("ws://fake", d)
	c.conn = ft
	c.state = int32(clientConnected)
	go c.readLoop()
	defer c.Close()

	sub := d.Subscribe(EventFilter{Methods: []string{}})
	defer sub.Close()

	ft.Close()

	select {
	case ev := <-sub.Events():
		if ev.Kind != EventSessionError {
			t.Fatalf("want EventSessionError, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SessionError event")
	}
}

func TestEventFromMessageRoutesByMethod(t *testing.T) {
	t.Parallel()
	msg := &cdproto.Message{
		Method:    cdproto.MethodType("Page.loadEventFired"),
		SessionID: "sess-1",
		Params:    []byte(`{}`),
	}
	ev := eventFromMessage(msg)
	if ev.Kind != EventLoadFired {
		t.Fatalf("want EventLoadFired, got %v", ev.Kind)
	}
	if ev.SessionID != "sess-1" {
		t.Fatalf("want session id sess-1, got %s", ev.SessionID)
	}
}
