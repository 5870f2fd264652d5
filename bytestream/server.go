package bytestream

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrServerClosed indicates an operation on a server that has shut down.
var ErrServerClosed = errors.New("bytestream server closed")

const serverHandshakeTimeout = 30 * time.Second

// Server is a minimal local streamhost. It accepts inbound SOCKS5
// connections, performs the server side of the sub-handshake, and parks
// connections whose destination matches a session address registered via
// RegisterHash. The negotiating Manager later claims them with ConnForHash.
type Server struct {
	mu      sync.Mutex
	ln      net.Listener
	allowed map[string]bool
	conns   map[string]net.Conn
	closed  bool
}

// NewServer creates an idle server; call Listen to start accepting.
func NewServer() *Server {
	return &Server{
		allowed: make(map[string]bool),
		conns:   make(map[string]net.Conn),
	}
}

// Listen binds the server to addr (host:port) and starts its accept loop.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     ln.Addr().String(),
	}).Info("Bytestream server listening")
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// RegisterHash allows inbound connections destined for the given session
// address to be parked.
func (s *Server) RegisterHash(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[hash] = true
	logrus.WithFields(logrus.Fields{
		"function": "RegisterHash",
		"hash":     hash,
	}).Debug("Session address registered")
}

// ConnForHash claims the parked connection for a session address, removing
// it from the server. Returns nil when no such connection arrived.
func (s *Server) ConnForHash(hash string) net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conns[hash]
	delete(s.conns, hash)
	delete(s.allowed, hash)
	return conn
}

// Close shuts the listener down and drops every parked connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := s.conns
	s.conns = make(map[string]net.Conn)
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn runs the server side of the sub-handshake: an unauthenticated
// greeting, then a CONNECT whose domain-typed destination must be a
// registered session address.
func (s *Server) handleConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(serverHandshakeTimeout))

	hash, err := s.readConnect(conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Warn("Rejecting inbound bytestream connection")
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[hash] = conn
	s.mu.Unlock()

	// The success reply goes out only after the connection is parked, so
	// the peer's signaling reply can never outrun the park.
	resp := make([]byte, 0, 7+len(hash))
	resp = append(resp, 0x05, 0x00, 0x00, 0x03, byte(len(hash)))
	resp = append(resp, hash...)
	resp = append(resp, 0x00, 0x00)
	if _, err := conn.Write(resp); err != nil {
		s.mu.Lock()
		delete(s.conns, hash)
		s.mu.Unlock()
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	logrus.WithFields(logrus.Fields{
		"function": "handleConn",
		"remote":   conn.RemoteAddr().String(),
		"hash":     hash,
	}).Info("Bytestream connection parked")
}

func (s *Server) readConnect(conn net.Conn) (string, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return "", err
	}
	if head[0] != 0x05 || head[1] == 0 {
		return "", ErrHandshakeFailed
	}
	methods := make([]byte, int(head[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return "", err
	}

	req := make([]byte, 5)
	if _, err := io.ReadFull(conn, req); err != nil {
		return "", err
	}
	// CONNECT with a domain-typed destination is the only accepted shape.
	if req[0] != 0x05 || req[1] != 0x01 || req[3] != 0x03 {
		conn.Write([]byte{0x05, 0x07, 0x00, 0x03, 0x00, 0x00, 0x00})
		return "", ErrHandshakeFailed
	}
	dst := make([]byte, int(req[4])+2) // destination plus port
	if _, err := io.ReadFull(conn, dst); err != nil {
		return "", err
	}
	hash := string(dst[:len(dst)-2])

	s.mu.Lock()
	ok := s.allowed[hash]
	s.mu.Unlock()
	if !ok {
		conn.Write([]byte{0x05, 0x02, 0x00, 0x03, 0x00, 0x00, 0x00})
		return "", errors.New("unknown session address")
	}
	return hash, nil
}
