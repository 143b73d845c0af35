package tunnel

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/dominicbreuker/quictun/internal/qconn"
	"github.com/dominicbreuker/quictun/internal/tcpconn"
)

// forwardChunkSize bounds how much of a TCP endpoint's buffered input is
// offered to conn.Send per iteration of the TCP->QUIC forward loop.
const forwardChunkSize = 16 * 1024

// engineCore holds everything ClientEngine and serverEngine share: the
// latched QUIC connection, the stream-id <-> endpoint index, and the
// TCP->QUIC / QUIC->TCP forwarding logic itself. The two specializations
// differ only in who triggers a new stream and who allocates its id
// (spec.md §4.7), which is why they embed this rather than duplicate it.
type engineCore struct {
	log zerolog.Logger

	mu         sync.Mutex
	conn       *qconn.Connection
	byStreamID map[uint64]*streamEndpoint
}

func newEngineCore(log zerolog.Logger) engineCore {
	return engineCore{
		log:        log,
		byStreamID: make(map[uint64]*streamEndpoint),
	}
}

func (c *engineCore) setConn(conn *qconn.Connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *engineCore) currentConn() *qconn.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// shutdown tears down the live connection, if any; OnClosed then closes
// every endpoint's TCP connection at once, without draining stream data
// still in flight.
func (c *engineCore) shutdown() error {
	conn := c.currentConn()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *engineCore) addEndpoint(ep *streamEndpoint) {
	c.mu.Lock()
	c.byStreamID[ep.streamID] = ep
	c.mu.Unlock()
}

func (c *engineCore) lookup(streamID uint64) *streamEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byStreamID[streamID]
}

func (c *engineCore) remove(streamID uint64) {
	c.mu.Lock()
	delete(c.byStreamID, streamID)
	c.mu.Unlock()
}

// reset drops every endpoint on connection close (spec.md §4.7.1
// on_closed): release all stream endpoints, drop the connection
// reference. The stream-id allocator needs no explicit reset here since
// it is quic-go's own counter on the next fresh connection.
func (c *engineCore) reset() []*streamEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	eps := make([]*streamEndpoint, 0, len(c.byStreamID))
	for id, ep := range c.byStreamID {
		eps = append(eps, ep)
		delete(c.byStreamID, id)
	}
	c.conn = nil
	return eps
}

func (c *engineCore) snapshotEndpoints() []snapshot {
	c.mu.Lock()
	eps := make([]*streamEndpoint, 0, len(c.byStreamID))
	for _, ep := range c.byStreamID {
		eps = append(eps, ep)
	}
	c.mu.Unlock()

	snaps := make([]snapshot, 0, len(eps))
	for _, ep := range eps {
		snaps = append(snaps, ep.snapshot())
	}
	return snaps
}

// promote pairs an already-dialed/accepted TCP endpoint with streamID and
// starts its TCP->QUIC forward loop (spec.md §4.7.2-4.7.4).
func (c *engineCore) promote(streamID uint64, tcp *tcpconn.Endpoint, sniffHost bool) *streamEndpoint {
	ep := newStreamEndpoint(streamID, tcp)
	c.addEndpoint(ep)
	go c.forwardTCPToQUIC(ep, sniffHost)
	return ep
}

// forwardTCPToQUIC drains ep's TCP input and offers it to the QUIC stream,
// segment by segment (spec.md §4.7.2 step 3). A partial accept means the
// stream's flow-control window filled; the loop waits for OnStreamWrite to
// signal before continuing.
func (c *engineCore) forwardTCPToQUIC(ep *streamEndpoint, sniffHost bool) {
	firstChunk := true
	for chunk := range ep.tcp.Chunks() {
		if len(chunk.Data) > 0 {
			if firstChunk && sniffHost {
				ep.setHost(tcpconn.SniffHost(chunk.Data))
			}
			firstChunk = false
			if !c.sendAll(ep, chunk.Data) {
				return
			}
		}
		if chunk.Err != nil {
			c.onTCPEnded(ep)
			return
		}
	}
}

// sendAll offers buf to the stream until it is fully accepted or the
// endpoint dies underneath it. Returns false if the caller should stop
// (connection/stream gone).
//
// conn.Send guarantees that once it returns a nil error, the whole slice it
// was given will reach the wire exactly once — synchronously, or via a
// background flush if the window filled partway through. So buf always
// advances by the full chunk size offered (end), never by the possibly
// smaller synchronously-written count (n): re-slicing from n would re-offer
// bytes the background flush already owns, duplicating them on the wire.
// A short write (n < end) still means a flush is in flight, so sendAll
// waits for OnStreamWrite before touching the stream again — otherwise this
// goroutine's next Send could race the background one on the same stream.
func (c *engineCore) sendAll(ep *streamEndpoint, buf []byte) bool {
	conn := c.currentConn()
	if conn == nil || ep.isDead() {
		return false
	}
	for len(buf) > 0 {
		end := len(buf)
		if end > forwardChunkSize {
			end = forwardChunkSize
		}
		n, err := conn.Send(ep.streamID, buf[:end], false)
		if err != nil {
			c.log.Warn().Err(err).Uint64("stream_id", ep.streamID).Msg("stream send failed")
			c.finishEndpoint(ep)
			return false
		}
		ep.addSent(end)
		if n < end {
			<-ep.writable
			if ep.isDead() {
				return false
			}
		}
		buf = buf[end:]
	}
	return true
}

// onTCPEnded implements spec.md §4.7.5: the local TCP side reached
// EOF/error. forwardTCPToQUIC only returns once every already-buffered
// byte has been offered to the stream (sendAll blocks on the flow-control
// window reopening rather than bailing out early), so by the time this
// runs the TCP input side has nothing left to flush. The stream is closed
// (sends a fin) right away; the TCP handle is freed and the index entry
// dropped only if the peer's fin had already arrived, otherwise the
// endpoint stays live so the QUIC->TCP direction keeps delivering.
func (c *engineCore) onTCPEnded(ep *streamEndpoint) {
	if conn := c.currentConn(); conn != nil {
		_ = conn.CloseStream(ep.streamID)
	}
	if ep.markTCPHalfClosed() {
		c.finishEndpoint(ep)
	}
}

// finishEndpoint frees the TCP handle and drops the stream index entry.
func (c *engineCore) finishEndpoint(ep *streamEndpoint) {
	ep.markDead()
	_ = ep.tcp.Close()
	c.remove(ep.streamID)
}

// onStreamRead implements spec.md §4.7.3, the QUIC->TCP direction, minus
// the "materialize a new endpoint" branch which differs between client and
// server and is therefore left to the embedding type via newUpstream.
func (c *engineCore) onStreamRead(streamID uint64, buf []byte, finished bool, newUpstream func(uint64) *streamEndpoint) {
	ep := c.lookup(streamID)
	if ep == nil {
		if finished && len(buf) == 0 {
			c.log.Debug().Uint64("stream_id", streamID).Msg("bare fin on unknown stream")
			return
		}
		if newUpstream == nil {
			c.log.Warn().Uint64("stream_id", streamID).Msg("unknown incoming stream id, closing")
			if conn := c.currentConn(); conn != nil {
				_ = conn.CloseStream(streamID)
			}
			return
		}
		ep = newUpstream(streamID)
		if ep == nil {
			return
		}
	}

	if len(buf) > 0 {
		if _, err := ep.tcp.Write(buf); err != nil {
			c.log.Warn().Err(err).Uint64("stream_id", streamID).Msg("writing to TCP endpoint failed")
			c.onQUICEnded(ep)
			return
		}
		ep.addRecv(len(buf))
	}

	if finished {
		c.onQUICEnded(ep)
	}
}

// onQUICEnded implements the "peer sent fin" half of spec.md §4.7.6: the
// TCP write side is half-closed immediately (tcpconn.Endpoint.Write is a
// direct blocking call, so there is no output queue left to drain first).
// If the TCP side had already half-closed too, this collapses straight to
// dead and releases the endpoint; otherwise the read side (TCP->QUIC
// direction) stays alive until the local TCP connection itself reaches
// EOF/error.
func (c *engineCore) onQUICEnded(ep *streamEndpoint) {
	_ = ep.tcp.CloseWrite()
	if ep.markQUICHalfClosed() {
		c.finishEndpoint(ep)
	}
}

// onStreamWrite implements spec.md §4.7.4: release a forward loop that was
// waiting for the flow-control window to reopen. err is non-nil when the
// background flush itself failed (spec.md §7: "stream send error -> close
// the stream, keep the connection"); the endpoint is torn down on that path
// instead of being left writable, but the waiter is unblocked regardless so
// forwardTCPToQUIC never stalls on a flush that is never coming.
func (c *engineCore) onStreamWrite(streamID uint64, err error) {
	ep := c.lookup(streamID)
	if ep == nil {
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Uint64("stream_id", streamID).Msg("background stream flush failed")
		ep.signalWritable()
		c.finishEndpoint(ep)
		return
	}
	ep.signalWritable()
}
