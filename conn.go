package browserd

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	// DefaultReadBufferSize is the default maximum read buffer size.
	DefaultReadBufferSize = 25 * 1024 * 1024

	// DefaultWriteBufferSize is the default maximum write buffer size.
	DefaultWriteBufferSize = 10 * 1024 * 1024
)

// Transport is the common interface to send/receive cdproto messages to a
// browser endpoint. It is the seam Client's tests substitute with an
// in-memory fake.
type Transport interface {
	Read(*cdproto.Message) error
	Write(*cdproto.Message) error
	io.Closer
}

// wsConn wraps a gorilla/websocket.Conn connection to a CDP endpoint. It
// only speaks cdproto.Message in and out; frame-level logging is the
// Client's concern (see Client.dbgf), not this transport's.
type wsConn struct {
	*websocket.Conn

	// buf helps us reuse space when reading from the websocket.
	buf bytes.Buffer

	// reuse the easyjson structs to avoid allocs per Read/Write.
	lexer  jlexer.Lexer
	writer jwriter.Writer
}

// dialContext dials the specified websocket URL using gorilla/websocket.
func dialContext(ctx context.Context, urlstr string) (*wsConn, error) {
	d := &websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}

	conn, _, err := d.DialContext(ctx, forceIP(urlstr), nil)
	if err != nil {
		return nil, ErrTransportUnavailable
	}

	return &wsConn{Conn: conn}, nil
}

func (c *wsConn) bufReadAll(r io.Reader) ([]byte, error) {
	c.buf.Reset()
	_, err := c.buf.ReadFrom(r)
	return c.buf.Bytes(), err
}

// Read reads the next message.
func (c *wsConn) Read(msg *cdproto.Message) error {
	typ, r, err := c.NextReader()
	if err != nil {
		return ErrTransportBroken
	}
	if typ != websocket.TextMessage {
		return ErrDecode
	}

	buf, err := c.bufReadAll(r)
	if err != nil {
		return ErrDecode
	}

	c.lexer = jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&c.lexer)
	if err := c.lexer.Error(); err != nil {
		return ErrDecode
	}

	// bufReadAll uses the buffer's own space directly and msg.Result and
	// msg.Params are easyjson.RawMessage, so both must be copied out before
	// the buffer is reused on the next Read (Params becomes an Event payload
	// that subscribers decode later).
	msg.Result = append([]byte{}, msg.Result...)
	msg.Params = append([]byte{}, msg.Params...)
	return nil
}

// Write writes a message.
func (c *wsConn) Write(msg *cdproto.Message) error {
	w, err := c.NextWriter(websocket.TextMessage)
	if err != nil {
		return ErrTransportBroken
	}
	defer w.Close()

	c.writer = jwriter.Writer{}
	msg.MarshalEasyJSON(&c.writer)
	if err := c.writer.Error; err != nil {
		return err
	}

	if _, err := c.writer.DumpTo(w); err != nil {
		return ErrTransportBroken
	}
	return w.Close()
}

// forceIP forces the host component in urlstr to be an IP address.
//
// Since Chrome 66+, CDP clients connecting to a browser must send the
// "Host:" header as either an IP address or "localhost".
func forceIP(urlstr string) string {
	if i := strings.Index(urlstr, "://"); i != -1 {
		scheme := urlstr[:i+3]
		host, port, path := urlstr[len(scheme)+3:], "", ""
		if i := strings.Index(host, "/"); i != -1 {
			host, path = host[:i], host[i:]
		}
		if i := strings.Index(host, ":"); i != -1 {
			host, port = host[:i], host[i:]
		}
		if addr, err := net.ResolveIPAddr("ip", host); err == nil {
			urlstr = scheme + addr.IP.String() + port + path
		}
	}
	return urlstr
}
