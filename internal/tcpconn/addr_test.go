package tcpconn

import "testing"

func TestFormatAddrIPv4(t *testing.T) {
	if got := FormatAddr("127.0.0.1", 8080); got != "127.0.0.1:8080" {
		t.Errorf("got %q", got)
	}
}

func TestFormatAddrIPv6(t *testing.T) {
	if got := FormatAddr("::1", 8080); got != "[::1]:8080" {
		t.Errorf("got %q", got)
	}
}
