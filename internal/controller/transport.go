package controller

import (
	"bufio"
	"net"
	"sync"

	"github.com/groovelink/groovelink/internal/protocol/frame"
)

// HostConn is the byte pipe the agent speaks through, modelled on the
// host runtime's remote-connection object: outbound bytes are written
// verbatim, inbound framed data is delivered to the receive callback with
// the length prefix already stripped. The asymmetry is the platform's,
// not ours.
type HostConn interface {
	Send(data []byte) error
	SetReceiveCallback(fn func(payload []byte))
	SetDisconnectCallback(fn func(err error))
	Close() error
}

// TCPHostConn implements HostConn over a plain TCP connection, standing
// in for the host runtime in the simulator and tests.
type TCPHostConn struct {
	conn  net.Conn
	codec frame.Codec

	mu      sync.Mutex
	recv    func(payload []byte)
	disc    func(err error)
	started bool
	closed  sync.Once
}

// DialHost connects to the relay's control listener.
func DialHost(addr string, limits frame.Limits) (*TCPHostConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPHostConn(conn, limits), nil
}

func NewTCPHostConn(conn net.Conn, limits frame.Limits) *TCPHostConn {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &TCPHostConn{
		conn:  conn,
		codec: frame.NewCodec(frame.RoleFramed, limits),
	}
}

func (c *TCPHostConn) SetReceiveCallback(fn func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = fn
}

func (c *TCPHostConn) SetDisconnectCallback(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disc = fn
}

// Start launches the read loop. Callbacks must be set first.
func (c *TCPHostConn) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	recv, disc := c.recv, c.disc
	c.mu.Unlock()

	go func() {
		reader := bufio.NewReader(c.conn)
		for {
			payload, err := c.codec.Read(reader)
			if err != nil {
				_ = c.Close()
				if disc != nil {
					disc(err)
				}
				return
			}
			if recv != nil {
				recv(payload)
			}
		}
	}()
}

// Send writes already-encoded bytes. Serialization against concurrent
// senders is the caller's job; the agent funnels all sends through its
// scheduler thread.
func (c *TCPHostConn) Send(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func (c *TCPHostConn) Close() error {
	var err error
	c.closed.Do(func() {
		err = c.conn.Close()
	})
	return err
}
