package relay

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/groovelink/groovelink/internal/observability"
	"github.com/groovelink/groovelink/internal/protocol/frame"
)

// Config carries the relay daemon's tunables. Zero values fall back to
// defaults via WithDefaults.
type Config struct {
	// ControlListenAddr accepts the single dial-out connection from the
	// controlled peer.
	ControlListenAddr string
	// ClientListenAddr accepts synchronous client connections.
	ClientListenAddr string
	// MaxFrameBytes caps a single frame payload on both legs.
	MaxFrameBytes uint32
	// ImmediateTimeout bounds pass-through requests.
	ImmediateTimeout time.Duration
	// DeferredTimeout bounds stepwise requests, queue wait included.
	DeferredTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ControlListenAddr: "127.0.0.1:8417",
		ClientListenAddr:  "127.0.0.1:8418",
		MaxFrameBytes:     frame.DefaultLimits().MaxPayloadBytes,
		ImmediateTimeout:  5 * time.Second,
		DeferredTimeout:   60 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ControlListenAddr) == "" {
		c.ControlListenAddr = def.ControlListenAddr
	}
	if strings.TrimSpace(c.ClientListenAddr) == "" {
		c.ClientListenAddr = def.ClientListenAddr
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.ImmediateTimeout <= 0 {
		c.ImmediateTimeout = def.ImmediateTimeout
	}
	if c.DeferredTimeout <= 0 {
		c.DeferredTimeout = def.DeferredTimeout
	}
	return c
}

// Service is the assembled relay: one control session manager, one client
// server, one correlator between them.
type Service struct {
	cfg        Config
	control    *Control
	clients    *ClientServer
	correlator *Correlator
}

func NewService(cfg Config) *Service {
	cfg = cfg.WithDefaults()
	limits := frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes}

	control := NewControl(limits)
	correlator := NewCorrelator(control, cfg.ImmediateTimeout, cfg.DeferredTimeout)
	control.SetRouter(correlator)

	return &Service{
		cfg:        cfg,
		control:    control,
		clients:    NewClientServer(limits, correlator),
		correlator: correlator,
	}
}

// Config returns the effective configuration after defaulting.
func (s *Service) Config() Config {
	return s.cfg
}

// ControlState exposes the control leg's session state.
func (s *Service) ControlState() ControlState {
	return s.control.State()
}

// Serve runs both accept loops on the supplied listeners until ctx is
// cancelled or either loop fails.
func (s *Service) Serve(ctx context.Context, controlLn, clientLn net.Listener) error {
	observability.RegisterMetrics()
	log.Info().
		Str("control", controlLn.Addr().String()).
		Str("clients", clientLn.Addr().String()).
		Msg("relay.service listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.control.Serve(ctx, controlLn) })
	g.Go(func() error { return s.clients.Serve(ctx, clientLn) })
	return g.Wait()
}

// Run binds the configured addresses and serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	controlLn, err := net.Listen("tcp", s.cfg.ControlListenAddr)
	if err != nil {
		return err
	}
	clientLn, err := net.Listen("tcp", s.cfg.ClientListenAddr)
	if err != nil {
		_ = controlLn.Close()
		return err
	}
	return s.Serve(ctx, controlLn, clientLn)
}
