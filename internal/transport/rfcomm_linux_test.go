//go:build linux

package transport

import "testing"

func TestParseBTAddr(t *testing.T) {
	mac, err := parseBTAddr("00:1D:A5:68:98:8B")
	if err != nil {
		t.Fatalf("parseBTAddr: %v", err)
	}
	// sockaddr_rc wants the address little-endian.
	want := [6]byte{0x8B, 0x98, 0x68, 0xA5, 0x1D, 0x00}
	if mac != want {
		t.Fatalf("mac = %v, want %v", mac, want)
	}
	for _, bad := range []string{"", "00:11:22:33:44", "zz:11:22:33:44:55"} {
		if _, err := parseBTAddr(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
