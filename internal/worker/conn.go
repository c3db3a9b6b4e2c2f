package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fabricd/internal/fault"
	"fabricd/internal/protocol"
)

// Conn is one message-oriented connection to the orchestrator. Send is
// safe for concurrent use; Recv must be called from a single goroutine.
type Conn interface {
	Send(protocol.Message) error
	Recv() (protocol.Message, error)
	Close() error
}

// Endpoint is one dial target.
type Endpoint struct {
	Type Type
	Addr string
	Port int
	// Path is the WebSocket path; TCP ignores it.
	Path string
	// WriteTimeout bounds each Send; zero leaves writes unbounded.
	WriteTimeout time.Duration
}

// Dialer opens connections. The default dials TCP or WebSocket depending on
// the endpoint type.
type Dialer func(ctx context.Context, ep Endpoint) (Conn, error)

// Dial is the default Dialer.
func Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	switch ep.Type {
	case WS:
		return dialWS(ctx, ep)
	default:
		return dialTCP(ctx, ep)
	}
}

type tcpConn struct {
	c            net.Conn
	r            *bufio.Reader
	mu           sync.Mutex
	writeTimeout time.Duration
}

func dialTCP(ctx context.Context, ep Endpoint) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Addr, strconv.Itoa(ep.Port)))
	if err != nil {
		return nil, fault.Wrap(fault.ConnectionFailed, "worker.dial", err)
	}
	return NewTCPConn(c, ep.WriteTimeout), nil
}

// NewTCPConn frames messages over an established stream connection.
func NewTCPConn(c net.Conn, writeTimeout time.Duration) Conn {
	return &tcpConn{c: c, r: bufio.NewReader(c), writeTimeout: writeTimeout}
}

func (t *tcpConn) Send(m protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.c.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WriteFrame(t.c, m)
}

func (t *tcpConn) Recv() (protocol.Message, error) {
	m, err := protocol.ReadFrame(t.r)
	if errors.Is(err, io.EOF) {
		return nil, fault.Wrap(fault.ConnectionFailed, "worker.recv", err)
	}
	return m, err
}

func (t *tcpConn) Close() error { return t.c.Close() }

type wsConn struct {
	c            *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func wsURL(addr string, port int, path string) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(addr, strconv.Itoa(port)), Path: path}
	if base, err := url.Parse(addr); err == nil && (base.Scheme == "ws" || base.Scheme == "wss") {
		u.Scheme = base.Scheme
		u.Host = net.JoinHostPort(base.Hostname(), strconv.Itoa(port))
		u.Path = strings.TrimSuffix(base.Path, "/") + path
	}
	return u.String()
}

func dialWS(ctx context.Context, ep Endpoint) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(ep.Addr, ep.Port, ep.Path), nil)
	if err != nil {
		return nil, fault.Wrap(fault.ConnectionFailed, "worker.dial", err)
	}
	return NewWSConn(c, ep.WriteTimeout), nil
}

// NewWSConn exchanges one envelope per WebSocket text message.
func NewWSConn(c *websocket.Conn, writeTimeout time.Duration) Conn {
	c.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{c: c, writeTimeout: writeTimeout}
}

func (w *wsConn) Send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeTimeout > 0 {
		_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if err := w.c.WriteMessage(websocket.TextMessage, b); err != nil {
		return fault.Wrap(fault.ConnectionFailed, "worker.send", err)
	}
	return nil
}

func (w *wsConn) Recv() (protocol.Message, error) {
	for {
		typ, b, err := w.c.ReadMessage()
		if err != nil {
			return nil, fault.Wrap(fault.ConnectionFailed, "worker.recv", err)
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		return protocol.Decode(b)
	}
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.mu.Unlock()
	return w.c.Close()
}
