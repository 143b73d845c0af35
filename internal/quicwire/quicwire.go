// Package quicwire parses the long-header prefix of a raw QUIC packet.
// It exists purely for observability and testing: production routing in
// this tunnel is handled by quic-go's own internal engine, but the header
// layout from spec.md §4.3 is simple enough, and load-bearing enough for
// the address-validation-token story, to be worth parsing independently
// and testing against garbage input.
//
// The parser never panics and never logs; callers decide what to do with
// a false ok, matching the rule that malformed input must not be treated
// as an error-level event.
package quicwire

// Header is the subset of a QUIC long-header packet this tunnel cares
// about.
type Header struct {
	Version uint32
	Type    byte
	DCID    []byte
	SCID    []byte
	Token   []byte
}

const (
	longHeaderFormBit = 0x80
	fixedBit          = 0x40
)

// ParseLongHeader parses the first bytes of datagram as a QUIC long-header
// packet. It tolerates arbitrary garbage: any malformed or truncated input
// yields ok=false rather than a panic or an error value.
func ParseLongHeader(datagram []byte) (hdr Header, ok bool) {
	if len(datagram) < 5 {
		return Header{}, false
	}

	first := datagram[0]
	if first&longHeaderFormBit == 0 {
		return Header{}, false
	}
	if first&fixedBit == 0 {
		return Header{}, false
	}

	pos := 1
	version := beUint32(datagram[pos : pos+4])
	pos += 4

	dcidLen := int(datagram[pos])
	pos++
	if pos+dcidLen > len(datagram) {
		return Header{}, false
	}
	dcid := datagram[pos : pos+dcidLen]
	pos += dcidLen

	if pos >= len(datagram) {
		return Header{}, false
	}
	scidLen := int(datagram[pos])
	pos++
	if pos+scidLen > len(datagram) {
		return Header{}, false
	}
	scid := datagram[pos : pos+scidLen]
	pos += scidLen

	pktType := (first >> 4) & 0x03

	var token []byte
	if version != 0 && pktType == 0x00 { // Initial packet carries a token
		tokLen, n, ok := parseVarint(datagram[pos:])
		if !ok {
			return Header{}, false
		}
		pos += n
		if pos+int(tokLen) > len(datagram) {
			return Header{}, false
		}
		token = datagram[pos : pos+int(tokLen)]
	}

	return Header{
		Version: version,
		Type:    pktType,
		DCID:    dcid,
		SCID:    scid,
		Token:   token,
	}, true
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// parseVarint decodes a QUIC variable-length integer (RFC 9000 §16),
// returning the value, the number of bytes consumed, and ok.
func parseVarint(b []byte) (value uint64, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	prefix := b[0] >> 6
	length := 1 << prefix
	if len(b) < length {
		return 0, 0, false
	}

	value = uint64(b[0]) & 0x3f
	for i := 1; i < length; i++ {
		value = value<<8 | uint64(b[i])
	}
	return value, length, true
}
