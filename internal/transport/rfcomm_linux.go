//go:build linux

package transport

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/carhud/obdtelemetry/internal/obd"
)

type rfcommLink struct {
	fd        int
	closeOnce sync.Once
	closeErr  error
}

// OpenRFCOMM connects to a Bluetooth adapter at addr ("AA:BB:CC:DD:EE:FF")
// on the given RFCOMM channel (ELM327 clones almost always use channel 1).
func OpenRFCOMM(addr string, channel uint8) (Link, error) {
	mac, err := parseBTAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", obd.ErrLink, err)
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("%w: socket(AF_BLUETOOTH): %v", obd.ErrLink, err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: mac, Channel: channel}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: rfcomm connect %s/%d: %v", obd.ErrLink, addr, channel, err)
	}
	return &rfcommLink{fd: fd}, nil
}

// RFCOMMOpener binds OpenRFCOMM into an Opener for the supervisor.
func RFCOMMOpener(addr string, channel uint8) Opener {
	return func() (Link, error) { return OpenRFCOMM(addr, channel) }
}

// parseBTAddr converts "AA:BB:CC:DD:EE:FF" to the little-endian byte order
// sockaddr_rc expects.
func parseBTAddr(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("bad bluetooth address %q", s)
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("bad bluetooth address %q: %v", s, err)
		}
		mac[5-i] = byte(b)
	}
	return mac, nil
}

func (l *rfcommLink) Send(p []byte) error {
	if _, err := unix.Write(l.fd, p); err != nil {
		return fmt.Errorf("%w: rfcomm write: %v", obd.ErrLink, err)
	}
	return nil
}

func (l *rfcommLink) Receive(p []byte, deadline time.Time) (int, error) {
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, obd.ErrLinkTimeout
		}
		wait := remain
		if wait > pollInterval {
			wait = pollInterval
		}
		fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(wait.Milliseconds())+1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("%w: rfcomm poll: %v", obd.ErrLink, err)
		}
		if n == 0 {
			continue // poll timeout slice; loop until deadline
		}
		r, err := unix.Read(l.fd, p)
		if err != nil {
			return 0, fmt.Errorf("%w: rfcomm read: %v", obd.ErrLink, err)
		}
		if r == 0 {
			return 0, fmt.Errorf("%w: rfcomm closed by peer", obd.ErrLink)
		}
		return r, nil
	}
}

func (l *rfcommLink) Close() error {
	l.closeOnce.Do(func() { l.closeErr = unix.Close(l.fd) })
	return l.closeErr
}
