// Package token mints and validates address-validation tokens used by the
// server to enforce a stateless-retry handshake before committing any
// per-connection state.
//
// Wire layout (bit-exact, 62 bytes total):
//
//	12-byte random IV ‖ AES-128-GCM(plaintext) ‖ 16-byte GCM tag
//
// where plaintext is the 46-byte block:
//
//	be32 ip ‖ be16 port ‖ 16-byte scid ‖ 16-byte dcid ‖ be64 seconds-since-epoch
//
// The key is a process-lifetime 128-bit secret generated once from a secure
// RNG; rotating it invalidates every outstanding token, which is acceptable
// because the client simply retries the handshake.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	keySize       = 16
	ivSize        = 12
	plaintextSize = 4 + 2 + 16 + 16 + 8 // ip + port + scid + dcid + seconds
	tagSize       = 16

	// Size is the total length of a minted token: IV ‖ ciphertext ‖ tag.
	// Ciphertext length equals plaintext length for AES-GCM.
	Size = ivSize + plaintextSize + tagSize

	// Window is the maximum allowed drift between the token's embedded
	// timestamp and "now" at validation time.
	Window = 10 * time.Second
)

// Token is an opaque, fixed-size address-validation token.
type Token [Size]byte

// Key is a process-lifetime AES-128-GCM key used to mint and validate tokens.
type Key struct {
	aead cipher.AEAD
}

// NewKey generates a fresh random 128-bit key from a secure RNG.
func NewKey() (Key, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return Key{}, fmt.Errorf("rand.Read(key): %w", err)
	}
	return newKeyFromBytes(raw)
}

func newKeyFromBytes(raw []byte) (Key, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return Key{}, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Key{}, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return Key{aead: aead}, nil
}

// Mint encrypts (ip, port, scid, dcid, now) into a fresh Token. ip must be a
// 4-byte IPv4 address (callers should pass the .To4() form).
func (k Key) Mint(ip [4]byte, port uint16, scid, dcid [16]byte, now time.Time) (Token, error) {
	var tok Token

	plaintext := make([]byte, 0, plaintextSize)
	plaintext = append(plaintext, ip[:]...)
	plaintext = binary.BigEndian.AppendUint16(plaintext, port)
	plaintext = append(plaintext, scid[:]...)
	plaintext = append(plaintext, dcid[:]...)
	plaintext = binary.BigEndian.AppendUint64(plaintext, uint64(now.Unix()))

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return tok, fmt.Errorf("rand.Read(iv): %w", err)
	}

	sealed := k.aead.Seal(nil, iv, plaintext, nil)

	copy(tok[:ivSize], iv)
	copy(tok[ivSize:], sealed)
	return tok, nil
}

// Validate decrypts raw and checks it against the observed (ip, port, scid)
// and the current time. On success it returns the embedded dcid (the
// "original DCID" the client used in its first Initial) and ok=true.
//
// raw must be exactly Size bytes; any other length is rejected without
// attempting decryption.
func Validate(k Key, raw []byte, ip [4]byte, port uint16, scid [16]byte, now time.Time) (dcid [16]byte, ok bool) {
	if len(raw) != Size {
		return dcid, false
	}

	iv := raw[:ivSize]
	sealed := raw[ivSize:]

	plaintext, err := k.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return dcid, false
	}
	if len(plaintext) != plaintextSize {
		return dcid, false
	}

	var gotIP [4]byte
	copy(gotIP[:], plaintext[0:4])
	gotPort := binary.BigEndian.Uint16(plaintext[4:6])
	var gotSCID [16]byte
	copy(gotSCID[:], plaintext[6:22])
	copy(dcid[:], plaintext[22:38])
	seconds := binary.BigEndian.Uint64(plaintext[38:46])

	if gotIP != ip || gotPort != port || gotSCID != scid {
		return dcid, false
	}

	ts := time.Unix(int64(seconds), 0)
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > Window {
		return dcid, false
	}

	return dcid, true
}
