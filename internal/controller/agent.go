package controller

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groovelink/groovelink/internal/protocol/frame"
	"github.com/groovelink/groovelink/internal/protocol/rpc"
	"github.com/groovelink/groovelink/internal/sched"
)

// Dialer opens one connection toward the relay's control listener.
type Dialer func() (HostConn, error)

// AgentConfig carries the controlled-peer agent's tunables.
type AgentConfig struct {
	RelayAddr         string
	ReconnectInterval time.Duration
	SettleDelay       time.Duration
	StepDelay         time.Duration
	MaxFrameBytes     uint32
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		RelayAddr:         "127.0.0.1:8417",
		ReconnectInterval: 5 * time.Second,
		SettleDelay:       DefaultSettleDelay,
		StepDelay:         DefaultStepDelay,
		MaxFrameBytes:     frame.DefaultLimits().MaxPayloadBytes,
	}
}

func (c AgentConfig) WithDefaults() AgentConfig {
	def := DefaultAgentConfig()
	if strings.TrimSpace(c.RelayAddr) == "" {
		c.RelayAddr = def.RelayAddr
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.StepDelay <= 0 {
		c.StepDelay = def.StepDelay
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	return c
}

// Agent is the controlled-peer endpoint: it dials out to the relay
// (the platform cannot receive inbound connections reliably), pumps every
// request through the dispatcher on the scheduler thread, and reconnects
// on a fixed interval when the link drops.
type Agent struct {
	cfg        AgentConfig
	scheduler  sched.Scheduler
	codec      frame.Codec
	dial       Dialer
	dispatcher *Dispatcher
	engine     *Engine

	mu   sync.Mutex
	conn HostConn

	connectPending atomic.Bool
	closed         atomic.Bool
}

// NewAgent wires host, engine, and dispatcher behind one agent. A nil
// dialer falls back to TCP against cfg.RelayAddr.
func NewAgent(cfg AgentConfig, host Host, scheduler sched.Scheduler, dial Dialer) *Agent {
	cfg = cfg.WithDefaults()
	a := &Agent{
		cfg:       cfg,
		scheduler: scheduler,
		codec:     frame.NewCodec(frame.RoleControlInbound, frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes}),
	}
	if dial == nil {
		dial = func() (HostConn, error) {
			return DialHost(cfg.RelayAddr, frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes})
		}
	}
	a.dial = dial
	a.engine = NewEngine(host, scheduler, a)
	a.engine.SetDelays(cfg.SettleDelay, cfg.StepDelay)
	a.dispatcher = NewDispatcher(host, a.engine)
	return a
}

// Start schedules the first connection attempt.
func (a *Agent) Start() {
	a.scheduler.Schedule(0, a.connect)
}

// Close stops reconnection and drops the current link.
func (a *Agent) Close() {
	a.closed.Store(true)
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Connected reports whether the relay link is up.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// connect runs on the scheduler thread. The pending guard keeps a retry
// timer and a disconnect callback from racing two attempts.
func (a *Agent) connect() {
	if a.closed.Load() {
		return
	}
	if !a.connectPending.CompareAndSwap(false, true) {
		return
	}
	defer a.connectPending.Store(false)

	a.mu.Lock()
	alive := a.conn != nil
	a.mu.Unlock()
	if alive {
		return
	}

	conn, err := a.dial()
	if err != nil {
		log.Debug().Err(err).Str("relay", a.cfg.RelayAddr).
			Dur("retry_in", a.cfg.ReconnectInterval).
			Msg("controller.agent connect failed")
		a.scheduler.Schedule(a.cfg.ReconnectInterval, a.connect)
		return
	}

	conn.SetReceiveCallback(func(payload []byte) {
		// Hop onto the scheduler thread: all dispatch is single-threaded.
		a.scheduler.Schedule(0, func() { a.handlePayload(payload) })
	})
	conn.SetDisconnectCallback(func(err error) {
		a.onDisconnect(conn, err)
	})

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	if starter, ok := conn.(interface{ Start() }); ok {
		starter.Start()
	}
	log.Info().Str("relay", a.cfg.RelayAddr).Msg("controller.agent connected to relay")
}

func (a *Agent) onDisconnect(conn HostConn, err error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.mu.Unlock()

	if a.closed.Load() {
		return
	}
	log.Warn().Err(err).Dur("retry_in", a.cfg.ReconnectInterval).
		Msg("controller.agent relay link lost")
	a.scheduler.Schedule(a.cfg.ReconnectInterval, a.connect)
}

// handlePayload processes one inbound payload on the scheduler thread.
func (a *Agent) handlePayload(data []byte) {
	payload, err := a.codec.DecodeDelivery(data)
	if err != nil {
		log.Warn().Err(err).Msg("controller.agent dropping oversized delivery")
		return
	}
	var req rpc.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warn().Err(err).Msg("controller.agent dropping malformed request")
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		log.Warn().Msg("controller.agent dropping request without method")
		return
	}

	resp, handled := a.dispatcher.Handle(req)
	if !handled || req.IsNotification() {
		return
	}
	a.EmitResponse(resp)
}

// EmitResponse sends one response frame to the relay.
func (a *Agent) EmitResponse(resp rpc.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("controller.agent response encoding failed")
		return
	}
	a.send(raw)
}

// EmitNotification sends one notification frame to the relay.
func (a *Agent) EmitNotification(n rpc.Notification) {
	raw, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msg("controller.agent notification encoding failed")
		return
	}
	a.send(raw)
}

func (a *Agent) send(payload []byte) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		log.Debug().Msg("controller.agent dropping outbound payload, link down")
		return
	}
	buf, err := a.codec.Encode(payload)
	if err != nil {
		log.Error().Err(err).Msg("controller.agent frame encoding failed")
		return
	}
	if err := conn.Send(buf); err != nil {
		log.Warn().Err(err).Msg("controller.agent send failed")
	}
}
