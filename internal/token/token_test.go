package token

import (
	"testing"
	"time"
)

func testArgs() (ip [4]byte, port uint16, scid, dcid [16]byte) {
	ip = [4]byte{127, 0, 0, 1}
	port = 9000
	for i := range scid {
		scid[i] = byte(i)
	}
	for i := range dcid {
		dcid[i] = byte(32 - i)
	}
	return
}

func TestRoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}

	ip, port, scid, dcid := testArgs()
	now := time.Unix(1_700_000_000, 0)

	tok, err := key.Mint(ip, port, scid, dcid, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	gotDCID, ok := Validate(key, tok[:], ip, port, scid, now)
	if !ok {
		t.Fatalf("Validate: expected ok=true")
	}
	if gotDCID != dcid {
		t.Fatalf("Validate: dcid mismatch, got %x want %x", gotDCID, dcid)
	}
}

func TestRoundTripWithinWindow(t *testing.T) {
	key, _ := NewKey()
	ip, port, scid, dcid := testArgs()
	now := time.Unix(1_700_000_000, 0)

	tok, _ := key.Mint(ip, port, scid, dcid, now)

	cases := []struct {
		name  string
		delta time.Duration
		ok    bool
	}{
		{"exactly at window", 10 * time.Second, true},
		{"just past window", 10*time.Second + time.Nanosecond, false},
		{"negative within window", -9 * time.Second, true},
		{"zero drift", 0, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, ok := Validate(key, tok[:], ip, port, scid, now.Add(c.delta))
			if ok != c.ok {
				t.Fatalf("Validate at delta %v: got ok=%v want %v", c.delta, ok, c.ok)
			}
		})
	}
}

func TestValidateTamperEveryByte(t *testing.T) {
	key, _ := NewKey()
	ip, port, scid, dcid := testArgs()
	now := time.Unix(1_700_000_000, 0)

	tok, _ := key.Mint(ip, port, scid, dcid, now)

	for i := 0; i < Size; i++ {
		tampered := tok
		tampered[i] ^= 0xFF
		if _, ok := Validate(key, tampered[:], ip, port, scid, now); ok {
			t.Fatalf("Validate: byte %d tampered but still validated", i)
		}
	}
}

func TestValidateWrongLength(t *testing.T) {
	key, _ := NewKey()
	ip, port, scid, _ := testArgs()
	now := time.Unix(1_700_000_000, 0)

	for _, n := range []int{0, 1, Size - 1, Size + 1, 1000} {
		buf := make([]byte, n)
		if _, ok := Validate(key, buf, ip, port, scid, now); ok {
			t.Fatalf("Validate: length %d should be rejected", n)
		}
	}
}

func TestValidateMismatchedAddress(t *testing.T) {
	key, _ := NewKey()
	ip, port, scid, dcid := testArgs()
	now := time.Unix(1_700_000_000, 0)

	tok, _ := key.Mint(ip, port, scid, dcid, now)

	otherIP := [4]byte{10, 0, 0, 1}
	if _, ok := Validate(key, tok[:], otherIP, port, scid, now); ok {
		t.Fatalf("Validate: different ip should be rejected")
	}
	if _, ok := Validate(key, tok[:], ip, port+1, scid, now); ok {
		t.Fatalf("Validate: different port should be rejected")
	}
	otherSCID := scid
	otherSCID[0] ^= 0xFF
	if _, ok := Validate(key, tok[:], ip, port, otherSCID, now); ok {
		t.Fatalf("Validate: different scid should be rejected")
	}
}

func TestValidateWrongKey(t *testing.T) {
	key1, _ := NewKey()
	key2, _ := NewKey()
	ip, port, scid, dcid := testArgs()
	now := time.Unix(1_700_000_000, 0)

	tok, _ := key1.Mint(ip, port, scid, dcid, now)
	if _, ok := Validate(key2, tok[:], ip, port, scid, now); ok {
		t.Fatalf("Validate: token minted under a different key should not validate")
	}
}
