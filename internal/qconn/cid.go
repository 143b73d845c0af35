package qconn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// CID is a 16-byte opaque connection identifier, comparable and usable
// directly as a map key.
type CID [16]byte

// NewRandomCID generates a fresh random CID from a secure RNG.
func NewRandomCID() (CID, error) {
	var c CID
	if _, err := rand.Read(c[:]); err != nil {
		return CID{}, fmt.Errorf("rand.Read(cid): %w", err)
	}
	return c, nil
}

func (c CID) String() string {
	return hex.EncodeToString(c[:])
}
