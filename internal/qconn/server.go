package qconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/dominicbreuker/quictun/internal/config"
	"github.com/dominicbreuker/quictun/internal/token"
)

// NewConnectionFunc is invoked once per accepted QUIC connection so the
// caller (the tunnel engine) can subscribe to it before any stream event
// can fire.
type NewConnectionFunc func(*Connection)

// Server accepts inbound QUIC connections on a bound UDP socket, minting an
// address-validation token via the RequireAddressValidation hook before
// quic-go commits per-connection state to a new source address.
type Server struct {
	log      zerolog.Logger
	listener *quic.Listener
	onNew    NewConnectionFunc
	validator *addrValidator
}

// NewServer loads the configured TLS certificate, binds addr, and starts
// accepting QUIC connections. onNew is called once per accepted connection,
// before any of its events can be observed.
func NewServer(cfg *config.Config, log zerolog.Logger, onNew NewConnectionFunc) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.QUIC.CertChainPath, cfg.QUIC.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("tls.LoadX509KeyPair: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"quictun"},
	}

	key, err := token.NewKey()
	if err != nil {
		return nil, fmt.Errorf("token.NewKey: %w", err)
	}
	validator := newAddrValidator(key)

	quicConf := &quic.Config{
		HandshakeIdleTimeout:           10 * time.Second,
		MaxIdleTimeout:                 time.Duration(cfg.IdleTimeoutMillis()) * time.Millisecond,
		InitialStreamReceiveWindow:     uint64(cfg.QUIC.InitialMaxStreamDataBidiLocal),
		InitialConnectionReceiveWindow: uint64(cfg.QUIC.InitialMaxData),
		MaxIncomingStreams:             int64(cfg.QUIC.InitialMaxStreamsBidi),
		RequireAddressValidation:       validator.requiresValidation,
	}

	addr := net.JoinHostPort(cfg.App.BindIP, fmt.Sprintf("%d", cfg.App.BindPort))
	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic.ListenAddr(%s): %w", addr, err)
	}

	s := &Server{
		log:       log.With().Str("component", "qconn.server").Logger(),
		listener:  listener,
		onNew:     onNew,
		validator: validator,
	}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	ctx := context.Background()
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			s.log.Info().Err(err).Msg("QUIC listener accept loop stopped")
			return
		}
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("accepted QUIC connection")
		c := Wrap(conn, s.log)
		c.Subscribe(closedSubscriber{func() { s.validator.forget(conn.RemoteAddr()) }})
		s.onNew(c)
		c.Start()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// closedSubscriber adapts a plain func() into a Subscriber that only cares
// about OnClosed, used internally to evict address-validator cache entries.
type closedSubscriber struct {
	onClosed func()
}

func (closedSubscriber) OnConnected(*Connection)           {}
func (s closedSubscriber) OnClosed(*Connection)            { s.onClosed() }
func (closedSubscriber) OnStreamRead(uint64, []byte, bool) {}
func (closedSubscriber) OnStreamWrite(uint64, error)       {}
