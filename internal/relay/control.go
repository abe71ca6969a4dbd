package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/groovelink/groovelink/internal/observability"
	"github.com/groovelink/groovelink/internal/protocol/frame"
)

var ErrControlNotConnected = errors.New("relay: control peer not connected")

// ControlState is the lifecycle of the single control-peer session.
type ControlState int

const (
	ControlDisconnected ControlState = iota
	ControlConnecting
	ControlConnected
)

func (s ControlState) String() string {
	switch s {
	case ControlConnecting:
		return "connecting"
	case ControlConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// InboundRouter consumes traffic arriving from the control peer.
type InboundRouter interface {
	HandleInbound(payload []byte)
	ControlDown(err error)
}

type controlSession struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// Control owns the single connection to the controlled peer. The peer's
// inbound-receive mode is broken, so it dials outward into the relay: the
// relay listens and accepts exactly one control connection. The accept loop
// is the one supervisor for control-leg recovery; a second connection while
// one is active replaces it with a warning, never multiplexes.
type Control struct {
	codec  frame.Codec
	router InboundRouter

	mu    sync.Mutex
	sess  *controlSession
	state ControlState
}

func NewControl(limits frame.Limits) *Control {
	return &Control{
		codec: frame.NewCodec(frame.RoleFramed, limits),
		state: ControlDisconnected,
	}
}

// SetRouter binds the inbound consumer. Must be called before Serve.
func (c *Control) SetRouter(router InboundRouter) {
	c.router = router
}

// State returns the current control-session lifecycle state.
func (c *Control) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Serve accepts control-peer connections until ctx is cancelled or the
// listener fails.
func (c *Control) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		c.dropSession(nil, ctx.Err())
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c.install(conn)
	}
}

func (c *Control) install(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Low latency matters more than throughput on the control leg.
		_ = tcp.SetNoDelay(true)
	}

	c.mu.Lock()
	c.state = ControlConnecting
	if c.sess != nil {
		log.Warn().
			Str("remote", conn.RemoteAddr().String()).
			Msg("relay.control replacing active control connection")
		_ = c.sess.conn.Close()
	}
	sess := &controlSession{conn: conn, reader: bufio.NewReader(conn)}
	c.sess = sess
	c.state = ControlConnected
	c.mu.Unlock()

	observability.SetControlConnected(true)
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("relay.control peer connected")
	go c.readLoop(sess)
}

func (c *Control) readLoop(sess *controlSession) {
	for {
		payload, err := c.codec.Read(sess.reader)
		if err != nil {
			c.dropSession(sess, err)
			return
		}
		observability.RecordFrame("control", "in")
		log.Debug().Int("bytes", len(payload)).Str("preview", frame.Preview(payload)).
			Msg("relay.control frame received")
		c.router.HandleInbound(payload)
	}
}

// dropSession tears down the given session if it is still current. Passing
// a nil session tears down whichever session is active.
func (c *Control) dropSession(sess *controlSession, cause error) {
	c.mu.Lock()
	if c.sess == nil || (sess != nil && c.sess != sess) {
		c.mu.Unlock()
		return
	}
	current := c.sess
	c.sess = nil
	c.state = ControlDisconnected
	c.mu.Unlock()

	_ = current.conn.Close()
	observability.SetControlConnected(false)
	log.Warn().AnErr("cause", cause).Msg("relay.control peer disconnected")
	c.router.ControlDown(ErrControlNotConnected)
}

// Send writes one payload to the control peer. All writes on the control
// leg are serialized behind the session write mutex so frames never
// interleave.
func (c *Control) Send(payload []byte) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrControlNotConnected
	}

	buf, err := c.codec.Encode(payload)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if _, err := sess.conn.Write(buf); err != nil {
		return err
	}
	observability.RecordFrame("control", "out")
	return nil
}
