package qconn

import (
	"net"
	"sync"
	"time"

	"github.com/dominicbreuker/quictun/internal/token"
)

// addrValidator decides whether a new QUIC handshake attempt from a given
// source address should be challenged with a Retry before quic-go commits
// any per-connection state to it, mirroring the quicAddrValidator pattern
// used to drive AdGuardDNS's RequireAddressValidation hook. The first
// attempt from an address is always challenged and leaves a proof behind;
// a further attempt from the same address within token.Window of that
// challenge (and before its connection closes, see forget) skips the extra
// round trip. Everyone else pays it.
//
// The actual Retry token wire format is owned internally by quic-go and is
// not pluggable, so this validator uses its own address-proof tokens
// (minted and checked via internal/token) purely to decide membership in
// the "recently validated" set. The connection ids are not known yet at
// this point in the handshake, so a zero placeholder is used for both;
// what matters here is the address and the time window, not the ids.
type addrValidator struct {
	key token.Key

	mu     sync.Mutex
	proofs map[string]token.Token
}

func newAddrValidator(key token.Key) *addrValidator {
	return &addrValidator{
		key:    key,
		proofs: make(map[string]token.Token),
	}
}

// requiresValidation implements quic.Config.RequireAddressValidation.
func (v *addrValidator) requiresValidation(addr net.Addr) bool {
	ip, port, ok := splitAddr(addr)
	if !ok {
		return true
	}

	var zero [16]byte
	now := time.Now()

	v.mu.Lock()
	proof, seen := v.proofs[addr.String()]
	v.mu.Unlock()
	if seen {
		if _, ok := token.Validate(v.key, proof[:], ip, port, zero, now); ok {
			return false
		}
	}

	tok, err := v.key.Mint(ip, port, zero, zero, now)
	if err != nil {
		return true
	}
	v.mu.Lock()
	v.proofs[addr.String()] = tok
	v.mu.Unlock()
	return true
}

// forget drops any cached proof for addr, e.g. once its connection closes.
func (v *addrValidator) forget(addr net.Addr) {
	v.mu.Lock()
	delete(v.proofs, addr.String())
	v.mu.Unlock()
}

func splitAddr(addr net.Addr) (ip [4]byte, port uint16, ok bool) {
	udp, isUDP := addr.(*net.UDPAddr)
	if !isUDP {
		return ip, 0, false
	}
	v4 := udp.IP.To4()
	if v4 == nil {
		return ip, 0, false
	}
	copy(ip[:], v4)
	return ip, uint16(udp.Port), true
}
