package tunnel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dominicbreuker/quictun/internal/config"
	"github.com/dominicbreuker/quictun/internal/qconn"
	"github.com/dominicbreuker/quictun/internal/tcpconn"
)

// connectTimeout bounds how long a lazily-triggered Connect attempt is
// allowed to take before the waiting TCP handles are given up on.
const connectTimeout = 15 * time.Second

// ClientEngine accepts inbound TCP connections on the configured bind
// address and promotes each into its own QUIC stream, dialing the QUIC
// peer lazily on the first connection and buffering any that arrive while
// the dial is in flight (spec.md §4.7, client column + §4.7.7).
type ClientEngine struct {
	engineCore
	client     *qconn.Client
	sniffHTTP  bool
	readWatermark uint32

	waitingMu sync.Mutex
	waiting   []*tcpconn.Endpoint

	connecting atomic.Bool
}

// NewClientEngine constructs the engine; callers must call Run to start
// accepting TCP connections.
func NewClientEngine(cfg *config.Config, log zerolog.Logger) *ClientEngine {
	e := &ClientEngine{
		engineCore:    newEngineCore(log.With().Str("component", "tunnel.client").Logger()),
		sniffHTTP:     cfg.App.Protocol == "http",
		readWatermark: cfg.TCP.ReadWatermark,
	}
	e.client = qconn.NewClient(cfg, log, func(conn *qconn.Connection) {
		conn.Subscribe(e)
	})
	return e
}

// Run accepts TCP connections on addr until ctx is cancelled.
func (e *ClientEngine) Run(ctx context.Context, addr string) error {
	return tcpconn.ListenAndServe(ctx, addr, e.handleAccepted)
}

// Shutdown implements admin /quit handling: tear down the QUIC connection
// with application error code 0. OnClosed then closes every live
// endpoint's TCP connection at once; stream data still in flight is not
// drained first.
func (e *ClientEngine) Shutdown() error {
	return e.client.Close()
}

// handleAccepted implements spec.md §4.7.2 step 1's client branch plus
// §4.7.7's pre-connect buffering: with an already-established connection
// the new socket is promoted immediately, or closed if the peer has no
// stream credit left; without one, it waits.
func (e *ClientEngine) handleAccepted(rawConn net.Conn) {
	ep := tcpconn.NewEndpoint(rawConn, e.readWatermark)

	if conn := e.currentConn(); conn != nil && conn.IsEstablished() {
		e.promoteOrReject(conn, ep)
		return
	}

	e.waitingMu.Lock()
	e.waiting = append(e.waiting, ep)
	e.waitingMu.Unlock()
	e.ensureConnecting()
}

// promoteOrReject allocates a new stream id for ep via the connection's own
// OpenStream, closing ep outright if the peer has no stream credit left
// (spec.md §4.7.2 step 1's "streams exhausted: close this handle").
func (e *ClientEngine) promoteOrReject(conn *qconn.Connection, ep *tcpconn.Endpoint) {
	streamID, err := conn.OpenStream()
	if err != nil {
		e.log.Warn().Err(err).Msg("no peer streams left")
		_ = ep.Close()
		return
	}
	e.promote(streamID, ep, e.sniffHTTP)
}

// ensureConnecting kicks off a Connect attempt unless one is already in
// flight; at most one dial runs at a time regardless of how many TCP
// connections pile up in the waiting set while it is in progress.
func (e *ClientEngine) ensureConnecting() {
	if !e.connecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.connecting.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := e.client.Connect(ctx); err != nil {
			e.log.Warn().Err(err).Msg("connect to QUIC peer failed")
			e.drainWaiting(func(ep *tcpconn.Endpoint) { _ = ep.Close() })
		}
	}()
}

// OnConnected implements qconn.Subscriber: latch the connection and drain
// the waiting set in arrival order (spec.md §4.7.1, §4.7.7).
func (e *ClientEngine) OnConnected(conn *qconn.Connection) {
	e.setConn(conn)
	e.drainWaiting(func(ep *tcpconn.Endpoint) {
		e.promoteOrReject(conn, ep)
	})
}

// OnClosed implements qconn.Subscriber: release every stream endpoint and
// drop the connection reference (spec.md §4.7.1). Any TCP handles still in
// the waiting set are closed, matching "on QUIC close before establishment,
// the waiting handles are closed" (spec.md §4.7.7).
func (e *ClientEngine) OnClosed(*qconn.Connection) {
	for _, ep := range e.reset() {
		_ = ep.tcp.Close()
	}
	e.drainWaiting(func(ep *tcpconn.Endpoint) { _ = ep.Close() })
}

// OnStreamRead implements qconn.Subscriber. An unknown incoming stream id
// is a protocol error on the client (spec.md §4.7.3) since the client never
// accepts peer-initiated streams.
func (e *ClientEngine) OnStreamRead(streamID uint64, buf []byte, finished bool) {
	e.onStreamRead(streamID, buf, finished, nil)
}

// OnStreamWrite implements qconn.Subscriber.
func (e *ClientEngine) OnStreamWrite(streamID uint64, err error) {
	e.onStreamWrite(streamID, err)
}

func (e *ClientEngine) drainWaiting(f func(*tcpconn.Endpoint)) {
	e.waitingMu.Lock()
	waiting := e.waiting
	e.waiting = nil
	e.waitingMu.Unlock()
	for _, ep := range waiting {
		f(ep)
	}
}
