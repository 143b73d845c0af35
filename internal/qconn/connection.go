// Package qconn wraps quic-go's connection and stream types behind the
// narrow contract the tunnel engine needs: per-stream send/receive with an
// explicit "flow control window full" signal, ordered subscriber
// notification, and graceful teardown.
package qconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// readChunkSize bounds a single Stream.Read call; it plays the role of the
// engine-reported buffer size in the stream read-draining loop.
const readChunkSize = 32 * 1024

// shortWriteDeadline is how long Send blocks before concluding a stream's
// flow-control window is full. quic-go's Stream.Write normally blocks until
// fully written or the stream errors; a short write deadline turns a
// would-block into the same "accepted fewer bytes than offered" signal the
// reactor-based engine gets back synchronously from its QUIC library.
const shortWriteDeadline = 20 * time.Millisecond

// Connection wraps a single established *quic.Conn plus its open streams.
type Connection struct {
	log  zerolog.Logger
	conn *quic.Conn

	mu      sync.Mutex
	subs    []Subscriber
	streams map[uint64]*quic.Stream
	closed  bool

	streamsExhausted atomic.Bool
	connectedFired   atomic.Bool
}

// Wrap adopts an already-established quic-go connection (returned either by
// a Listener's Accept or by DialAddr). It does not start delivering events
// until Start is called, so callers can register subscribers first without
// racing OnConnected.
func Wrap(conn *quic.Conn, log zerolog.Logger) *Connection {
	return &Connection{
		log:     log.With().Str("component", "qconn").Logger(),
		conn:    conn,
		streams: make(map[uint64]*quic.Stream),
	}
}

// Start fires OnConnected on every currently registered subscriber and
// begins accepting peer-initiated streams. Call it once subscribers have
// been registered via Subscribe.
func (c *Connection) Start() {
	go c.acceptLoop()
}

// Subscribe registers a subscriber. Must be called before any event it
// cares about can fire; typically done immediately after Wrap / Dial.
func (c *Connection) Subscribe(s Subscriber) {
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
}

// fireConnected notifies every subscriber exactly once that the connection
// is established, in registration order.
func (c *Connection) fireConnected() {
	if !c.connectedFired.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	subs := append([]Subscriber(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.OnConnected(c)
	}
}

// fireClosed notifies every subscriber in reverse registration order.
func (c *Connection) fireClosed() {
	c.mu.Lock()
	subs := append([]Subscriber(nil), c.subs...)
	c.mu.Unlock()
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].OnClosed(c)
	}
}

func (c *Connection) acceptLoop() {
	c.fireConnected()
	ctx := context.Background()
	for {
		st, err := c.conn.AcceptStream(ctx)
		if err != nil {
			c.teardown()
			return
		}
		c.registerStream(st)
		go c.readStream(st)
	}
}

func (c *Connection) registerStream(st *quic.Stream) {
	c.mu.Lock()
	if !c.closed {
		c.streams[uint64(st.StreamID())] = st
	}
	c.mu.Unlock()
}

func (c *Connection) readStream(st *quic.Stream) {
	id := uint64(st.StreamID())
	buf := make([]byte, readChunkSize)
	for {
		n, err := st.Read(buf)
		if n > 0 {
			c.dispatchStreamRead(id, buf[:n], false)
		}
		if err != nil {
			// Any terminal error — clean EOF or a peer reset — is reported
			// as "finished" since the subscriber contract has no separate
			// error channel; downstream cleanup keys off the flag alone.
			c.dispatchStreamRead(id, nil, true)
			return
		}
	}
}

func (c *Connection) dispatchStreamRead(id uint64, buf []byte, finished bool) {
	c.mu.Lock()
	subs := append([]Subscriber(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.OnStreamRead(id, buf, finished)
	}
}

func (c *Connection) dispatchStreamWrite(id uint64, err error) {
	c.mu.Lock()
	subs := append([]Subscriber(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.OnStreamWrite(id, err)
	}
}

// OpenStream allocates a new peer-directed stream. The allocator here is
// just quic-go's own: on the client it assigns client-initiated
// bidirectional ids 0, 4, 8, …, so the first stream gets id 0, not 4.
// Callers read the id back off the returned stream.
//
// The open is non-blocking: if the peer has not granted enough stream
// credit, quic-go returns an error immediately rather than waiting, which
// doubles as the "no peer streams left" signal the caller needs.
func (c *Connection) OpenStream() (uint64, error) {
	st, err := c.conn.OpenStream()
	if err != nil {
		c.streamsExhausted.Store(true)
		return 0, fmt.Errorf("OpenStream: %w", err)
	}
	c.streamsExhausted.Store(false)
	c.registerStream(st)
	go c.readStream(st)
	return uint64(st.StreamID()), nil
}

// Send writes buf to the given stream. Once it returns a nil error, the
// entire buf is guaranteed to be written to the stream exactly once — either
// already, synchronously, or shortly afterward via a background flush. A
// return less than len(buf) with a nil error means the window filled partway
// through and the remainder was handed off to that background flush; the
// caller must not re-offer any part of buf and must wait for OnStreamWrite
// before sending anything further on this stream, since a concurrent write
// from the caller would race the in-flight background one.
//
// quic-go's Stream.Write blocks until the full buffer is written or the
// deadline expires, so a short write deadline is used to observe a partial
// write as "window full" without actually blocking the caller.
func (c *Connection) Send(streamID uint64, buf []byte, fin bool) (int, error) {
	st := c.lookupStream(streamID)
	if st == nil {
		return 0, fmt.Errorf("qconn: unknown stream %d", streamID)
	}

	_ = st.SetWriteDeadline(time.Now().Add(shortWriteDeadline))
	n, err := st.Write(buf)
	_ = st.SetWriteDeadline(time.Time{})

	if err != nil && isDeadlineExceeded(err) {
		remainder := append([]byte(nil), buf[n:]...)
		go c.flushRemainder(st, streamID, remainder, fin)
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("Stream.Write(%d): %w", streamID, err)
	}
	if fin {
		_ = st.Close()
	}
	return n, nil
}

// flushRemainder finishes a short write in the background and always
// reports its outcome via OnStreamWrite, success or failure, so a caller
// blocked waiting for the window to reopen never stalls forever.
func (c *Connection) flushRemainder(st *quic.Stream, streamID uint64, remainder []byte, fin bool) {
	if len(remainder) > 0 {
		if _, err := st.Write(remainder); err != nil {
			c.log.Warn().Err(err).Uint64("stream_id", streamID).Msg("background stream flush failed")
			c.dispatchStreamWrite(streamID, fmt.Errorf("background Stream.Write(%d): %w", streamID, err))
			return
		}
	}
	if fin {
		_ = st.Close()
	}
	c.dispatchStreamWrite(streamID, nil)
}

func isDeadlineExceeded(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// CloseStream locally closes one stream's write side (sends a fin) and
// drops it from the send index, without tearing down the connection. The
// read side stays open: data the peer still sends on the stream keeps being
// delivered via OnStreamRead until the peer's own fin.
func (c *Connection) CloseStream(streamID uint64) error {
	st := c.lookupStream(streamID)
	if st == nil {
		return nil
	}
	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
	return st.Close()
}

// ShutdownRead stops consuming further data from the peer on this stream.
func (c *Connection) ShutdownRead(streamID uint64) {
	st := c.lookupStream(streamID)
	if st == nil {
		return
	}
	st.CancelRead(0)
}

// Close tears down the whole connection with application error code 0.
func (c *Connection) Close() error {
	c.teardown()
	return c.conn.CloseWithError(quic.ApplicationErrorCode(0), "")
}

func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.fireClosed()
}

func (c *Connection) lookupStream(streamID uint64) *quic.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[streamID]
}

// IsEstablished reports whether the handshake has completed. quic-go's
// Accept/DialAddr only ever hand back a *quic.Conn once the handshake is
// confirmed, so this is true for the lifetime of a non-closed Connection.
func (c *Connection) IsEstablished() bool {
	return !c.IsClosed()
}

// IsClosed reports whether the connection has been torn down.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// PeerStreamsLeft reports whether the peer has granted enough stream credit
// for at least one more outbound stream, based on the outcome of the most
// recent OpenStream call.
func (c *Connection) PeerStreamsLeft() bool {
	return !c.streamsExhausted.Load()
}

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

var _ io.Closer = (*Connection)(nil)
