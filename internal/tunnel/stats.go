package tunnel

import (
	"fmt"
	"io"
)

// WriteStats implements spec.md §4.7.8's observability hook: a plaintext
// block naming the connection, followed by one line per live stream.
//
// quic-go does not expose smoothed RTT, congestion window, or delivery
// rate through its public API (those live in its internal congestion
// controller); this prints the connection identity and the byte counters
// this package already tracks itself, and says so explicitly rather than
// fabricating numbers for fields the library doesn't surface.
func (c *engineCore) WriteStats(w io.Writer) error {
	conn := c.currentConn()
	if conn == nil {
		_, err := io.WriteString(w, "connection: none\n")
		return err
	}

	if _, err := fmt.Fprintf(w, "connection: remote=%s\n", conn.RemoteAddr()); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "rtt/cwnd/delivery_rate: unavailable (not exposed by quic-go's public API)\n"); err != nil {
		return err
	}

	for _, s := range c.snapshotEndpoints() {
		host := s.host
		if host == "" {
			host = "-"
		}
		_, err := fmt.Fprintf(w, "stream=%d host=%s lifetime=%.1fs recv=%d sent=%d\n",
			s.streamID, host, s.lifetime.Seconds(), s.recvBytes, s.sentBytes)
		if err != nil {
			return err
		}
	}
	return nil
}
