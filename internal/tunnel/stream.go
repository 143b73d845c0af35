// Package tunnel implements the core bidirectional forwarding engine: the
// component that pairs TCP connections with QUIC streams and keeps their
// bytes flowing in both directions until either side closes.
package tunnel

import (
	"sync"
	"time"

	"github.com/dominicbreuker/quictun/internal/tcpconn"
)

// state tracks the independent half-close progress of one stream endpoint.
// active -> quicHalfClosed (peer sent fin, TCP output still draining) -> dead
// active -> tcpHalfClosed (local TCP saw EOF/error, TCP input still to flush) -> dead
// Simultaneous arrival in both half-closed states collapses directly to dead.
type state int

const (
	stateActive state = iota
	stateQUICHalfClosed
	stateTCPHalfClosed
	stateDead
)

// streamEndpoint pairs one TCP connection with one QUIC stream id and
// tracks the per-direction half-close state machine plus stats for the
// admin /stats endpoint.
type streamEndpoint struct {
	streamID uint64
	tcp      *tcpconn.Endpoint

	mu        sync.Mutex
	st        state
	host      string // sniffed HTTP host, client side only; cosmetic
	createdAt time.Time
	recvBytes uint64
	sentBytes uint64

	// writable is signalled once by OnStreamWrite after a short write's
	// background flush finishes, successfully or not, releasing a forward
	// loop blocked waiting for the QUIC flow-control window to reopen.
	writable chan struct{}
}

func newStreamEndpoint(streamID uint64, tcp *tcpconn.Endpoint) *streamEndpoint {
	return &streamEndpoint{
		streamID:  streamID,
		tcp:       tcp,
		st:        stateActive,
		createdAt: time.Now(),
		writable:  make(chan struct{}, 1),
	}
}

func (e *streamEndpoint) addSent(n int) {
	e.mu.Lock()
	e.sentBytes += uint64(n)
	e.mu.Unlock()
}

func (e *streamEndpoint) addRecv(n int) {
	e.mu.Lock()
	e.recvBytes += uint64(n)
	e.mu.Unlock()
}

func (e *streamEndpoint) setHost(h string) {
	e.mu.Lock()
	if e.host == "" {
		e.host = h
	}
	e.mu.Unlock()
}

// markQUICHalfClosed records the peer's fin. Returns true if this collapses
// the endpoint straight to dead (the TCP side was already half-closed too).
func (e *streamEndpoint) markQUICHalfClosed() (dead bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.st {
	case stateTCPHalfClosed:
		e.st = stateDead
		return true
	case stateActive:
		e.st = stateQUICHalfClosed
	}
	return e.st == stateDead
}

// markTCPHalfClosed records the local TCP side reaching EOF/error. Returns
// true if this collapses the endpoint straight to dead.
func (e *streamEndpoint) markTCPHalfClosed() (dead bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.st {
	case stateQUICHalfClosed:
		e.st = stateDead
		return true
	case stateActive:
		e.st = stateTCPHalfClosed
	}
	return e.st == stateDead
}

func (e *streamEndpoint) markDead() {
	e.mu.Lock()
	e.st = stateDead
	e.mu.Unlock()
}

func (e *streamEndpoint) isDead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st == stateDead
}

func (e *streamEndpoint) signalWritable() {
	select {
	case e.writable <- struct{}{}:
	default:
	}
}

// snapshot is a point-in-time copy of an endpoint's stats, used by the
// /stats admin endpoint so it never holds the endpoint's own lock while
// formatting output.
type snapshot struct {
	streamID  uint64
	host      string
	lifetime  time.Duration
	recvBytes uint64
	sentBytes uint64
}

func (e *streamEndpoint) snapshot() snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot{
		streamID:  e.streamID,
		host:      e.host,
		lifetime:  time.Since(e.createdAt),
		recvBytes: e.recvBytes,
		sentBytes: e.sentBytes,
	}
}
