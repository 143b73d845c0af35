package qconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/dominicbreuker/quictun/internal/config"
)

// Client owns a single outbound QUIC connection. It does not reconnect by
// itself: once the connection closes, a new one is made by calling Connect
// again, which dials from scratch since quic-go has no notion of resuming a
// torn-down connection.
type Client struct {
	log     zerolog.Logger
	addr    string
	tlsConf *tls.Config
	quicConf *quic.Config
	onNew   NewConnectionFunc

	mu   sync.Mutex
	conn *Connection
}

// NewClient does not dial; call Connect to establish the connection.
func NewClient(cfg *config.Config, log zerolog.Logger, onNew NewConnectionFunc) *Client {
	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // the server's certificate chain and hostname are not verified
		NextProtos:         []string{"quictun"},
	}
	quicConf := &quic.Config{
		HandshakeIdleTimeout:           10 * time.Second,
		MaxIdleTimeout:                 time.Duration(cfg.IdleTimeoutMillis()) * time.Millisecond,
		InitialStreamReceiveWindow:     uint64(cfg.QUIC.InitialMaxStreamDataBidiLocal),
		InitialConnectionReceiveWindow: uint64(cfg.QUIC.InitialMaxData),
		MaxIncomingStreams:             int64(cfg.QUIC.InitialMaxStreamsBidi),
	}
	return &Client{
		log:      log.With().Str("component", "qconn.client").Logger(),
		addr:     net.JoinHostPort(cfg.App.PeerIP, fmt.Sprintf("%d", cfg.App.PeerPort)),
		tlsConf:  tlsConf,
		quicConf: quicConf,
		onNew:    onNew,
	}
}

// Connect dials the configured peer. It blocks until the handshake
// completes or fails; callers that must not block the reactor loop should
// run it in its own goroutine, matching the client multiplexer's
// non-blocking Connect contract.
func (c *Client) Connect(ctx context.Context) error {
	qc, err := quic.DialAddr(ctx, c.addr, c.tlsConf, c.quicConf)
	if err != nil {
		return fmt.Errorf("quic.DialAddr(%s): %w", c.addr, err)
	}
	conn := Wrap(qc, c.log)
	conn.Subscribe(closedSubscriber{func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}})
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.onNew(conn)
	conn.Start()
	return nil
}

// Current returns the active connection, or nil if none is established.
func (c *Client) Current() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Close tears down the active connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
