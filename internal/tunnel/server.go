package tunnel

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dominicbreuker/quictun/internal/config"
	"github.com/dominicbreuker/quictun/internal/qconn"
	"github.com/dominicbreuker/quictun/internal/tcpconn"
)

// serverEngine owns the stream index for exactly one accepted QUIC
// connection. Unlike the client, the server never initiates a stream
// itself — an unseen incoming stream id is the trigger to dial the
// configured upstream and materialize a new endpoint (spec.md §4.7,
// server column; §4.7.3).
type serverEngine struct {
	engineCore
	peerAddr      string
	readWatermark uint32
}

func newServerEngine(log zerolog.Logger, peerAddr string, readWatermark uint32) *serverEngine {
	return &serverEngine{
		engineCore:    newEngineCore(log.With().Str("component", "tunnel.server").Logger()),
		peerAddr:      peerAddr,
		readWatermark: readWatermark,
	}
}

func (e *serverEngine) OnConnected(conn *qconn.Connection) {
	e.setConn(conn)
}

func (e *serverEngine) OnClosed(*qconn.Connection) {
	for _, ep := range e.reset() {
		_ = ep.tcp.Close()
	}
}

func (e *serverEngine) OnStreamRead(streamID uint64, buf []byte, finished bool) {
	e.onStreamRead(streamID, buf, finished, e.materializeUpstream)
}

func (e *serverEngine) OnStreamWrite(streamID uint64, err error) {
	e.onStreamWrite(streamID, err)
}

// materializeUpstream implements spec.md §4.7.3 step 1's server branch:
// dial a new outbound TCP connection to the configured peer; on dial
// failure, close the stream and give up on this one.
func (e *serverEngine) materializeUpstream(streamID uint64) *streamEndpoint {
	conn := e.currentConn()
	rawConn, err := tcpconn.Dial(e.peerAddr)
	if err != nil {
		e.log.Warn().Err(err).Str("peer_addr", e.peerAddr).Msg("dialing upstream failed")
		if conn != nil {
			_ = conn.CloseStream(streamID)
		}
		return nil
	}
	ep := tcpconn.NewEndpoint(rawConn, e.readWatermark)
	return e.promote(streamID, ep, false)
}

// Server accepts inbound QUIC connections and spins up one serverEngine per
// connection, since stream ids are only meaningful within a single
// connection's namespace.
type Server struct {
	qserver *qconn.Server

	mu       sync.Mutex
	nextID   uint64
	engines  map[uint64]*serverEngine
}

// NewServer binds the configured QUIC listen address and starts accepting
// connections.
func NewServer(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	peerAddr := tcpconn.FormatAddr(cfg.App.PeerIP, cfg.App.PeerPort)

	s := &Server{engines: make(map[uint64]*serverEngine)}
	qs, err := qconn.NewServer(cfg, log, func(conn *qconn.Connection) {
		e := newServerEngine(log, peerAddr, cfg.TCP.ReadWatermark)
		id := s.register(e)
		conn.Subscribe(e)
		conn.Subscribe(deregisterOnClose{func() { s.deregister(id) }})
	})
	if err != nil {
		return nil, fmt.Errorf("qconn.NewServer: %w", err)
	}
	s.qserver = qs
	return s, nil
}

func (s *Server) register(e *serverEngine) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.engines[id] = e
	return id
}

func (s *Server) deregister(id uint64) {
	s.mu.Lock()
	delete(s.engines, id)
	s.mu.Unlock()
}

// WriteStats writes the stats block (spec.md §4.7.8) for every connection
// this server currently has open, one after another.
func (s *Server) WriteStats(w io.Writer) error {
	s.mu.Lock()
	engines := make([]*serverEngine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	for _, e := range engines {
		if err := e.WriteStats(w); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown implements admin /quit handling: close every open connection
// with application error code 0. Each connection's OnClosed then closes
// its endpoints' TCP connections at once; stream data still in flight is
// not drained first.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	engines := make([]*serverEngine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	var firstErr error
	for _, e := range engines {
		if err := e.shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops accepting new QUIC connections.
func (s *Server) Close() error {
	return s.qserver.Close()
}

// deregisterOnClose adapts a plain func() into a qconn.Subscriber that only
// cares about OnClosed, used to evict a serverEngine from the registry
// once its connection tears down.
type deregisterOnClose struct{ f func() }

func (deregisterOnClose) OnConnected(*qconn.Connection)     {}
func (d deregisterOnClose) OnClosed(*qconn.Connection)      { d.f() }
func (deregisterOnClose) OnStreamRead(uint64, []byte, bool) {}
func (deregisterOnClose) OnStreamWrite(uint64, error)       {}
