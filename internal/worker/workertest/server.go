// Package workertest provides an in-process orchestrator for exercising the
// worker client over real sockets.
package workertest

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fabricd/internal/protocol"
	"fabricd/internal/worker"
)

// Server accepts one worker on a control and a proxy port.
type Server struct {
	Type        worker.Type
	Addr        string
	ControlPort int
	ProxyPort   int

	mu          sync.Mutex
	rejectLogin string
	misreplies  int
	control     worker.Conn
	proxy       worker.Conn
	logins      int
	received    []protocol.Message
	msgs        chan protocol.Message
	listeners   []net.Listener
	httpServers []*http.Server
	wg          sync.WaitGroup
}

// New listens on two ephemeral loopback ports.
func New(typ worker.Type) (*Server, error) {
	s := &Server{Type: typ, Addr: "127.0.0.1", msgs: make(chan protocol.Message, 4096)}
	cl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	pl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cl.Close()
		return nil, err
	}
	s.ControlPort = cl.Addr().(*net.TCPAddr).Port
	s.ProxyPort = pl.Addr().(*net.TCPAddr).Port
	s.listeners = []net.Listener{cl, pl}
	if typ == worker.WS {
		s.serveWS(cl, false)
		s.serveWS(pl, true)
	} else {
		s.serveTCP(cl, false)
		s.serveTCP(pl, true)
	}
	return s, nil
}

// Config returns a worker configuration pointing at s.
func (s *Server) Config(clientID string) worker.Config {
	return worker.Config{
		Addr:        s.Addr,
		ControlPort: s.ControlPort,
		ProxyPort:   s.ProxyPort,
		Type:        s.Type,
		ClientID:    clientID,
	}
}

// RejectLogins makes subsequent logins fail with reason; empty accepts.
func (s *Server) RejectLogins(reason string) {
	s.mu.Lock()
	s.rejectLogin = reason
	s.mu.Unlock()
}

// MisreplyLogins answers the next n logins with a proxy ack instead of a
// login result, as a confused orchestrator would.
func (s *Server) MisreplyLogins(n int) {
	s.mu.Lock()
	s.misreplies = n
	s.mu.Unlock()
}

func (s *Server) serveTCP(l net.Listener, proxy bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go s.handle(worker.NewTCPConn(c, 10*time.Second), proxy)
		}
	}()
}

func (s *Server) serveWS(l net.Listener, proxy bool) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.handle(worker.NewWSConn(c, 10*time.Second), proxy)
	})}
	s.httpServers = append(s.httpServers, srv)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = srv.Serve(l)
	}()
}

func (s *Server) handle(c worker.Conn, proxy bool) {
	first, err := c.Recv()
	if err != nil {
		c.Close()
		return
	}
	s.record(first)
	if proxy {
		if _, ok := first.(protocol.ProxyHello); !ok {
			c.Close()
			return
		}
		if err := c.Send(protocol.ProxyHelloAck{Success: true}); err != nil {
			c.Close()
			return
		}
		s.mu.Lock()
		s.proxy = c
		s.mu.Unlock()
	} else {
		if _, ok := first.(protocol.Login); !ok {
			c.Close()
			return
		}
		s.mu.Lock()
		reject := s.rejectLogin
		misreply := s.misreplies > 0
		if misreply {
			s.misreplies--
		}
		s.mu.Unlock()
		if misreply {
			_ = c.Send(protocol.ProxyHelloAck{Success: true})
			c.Close()
			return
		}
		if reject != "" {
			_ = c.Send(protocol.LoginResult{Success: false, Error: reject})
			c.Close()
			return
		}
		if err := c.Send(protocol.LoginResult{Success: true}); err != nil {
			c.Close()
			return
		}
		s.mu.Lock()
		s.control = c
		s.logins++
		s.mu.Unlock()
	}
	for {
		m, err := c.Recv()
		if err != nil {
			return
		}
		s.record(m)
	}
}

func (s *Server) record(m protocol.Message) {
	s.mu.Lock()
	s.received = append(s.received, m)
	s.mu.Unlock()
	select {
	case s.msgs <- m:
	default:
	}
}

// Logins returns how many logins were accepted.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Received returns every message received so far.
func (s *Server) Received() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.received...)
}

// ErrTimeout is returned by Wait when no matching message arrives.
var ErrTimeout = errors.New("workertest: timed out waiting for message")

// Wait returns the next received message for which match returns true.
// Messages that do not match are skipped.
func (s *Server) Wait(timeout time.Duration, match func(protocol.Message) bool) (protocol.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case m := <-s.msgs:
			if match(m) {
				return m, nil
			}
		case <-deadline.C:
			return nil, ErrTimeout
		}
	}
}

// WaitType waits for the next message of type t.
func (s *Server) WaitType(timeout time.Duration, t protocol.Type) (protocol.Message, error) {
	return s.Wait(timeout, func(m protocol.Message) bool { return m.MessageType() == t })
}

// Send delivers m on the current control connection.
func (s *Server) Send(m protocol.Message) error {
	s.mu.Lock()
	c := s.control
	s.mu.Unlock()
	if c == nil {
		return errors.New("workertest: no control connection")
	}
	return c.Send(m)
}

// Drop closes the current connections, as a network failure would.
func (s *Server) Drop() {
	s.mu.Lock()
	c, p := s.control, s.proxy
	s.control, s.proxy = nil, nil
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
	if p != nil {
		p.Close()
	}
}

// Close stops listening and drops connections.
func (s *Server) Close() {
	for _, srv := range s.httpServers {
		srv.Close()
	}
	for _, l := range s.listeners {
		l.Close()
	}
	s.Drop()
	s.wg.Wait()
}
