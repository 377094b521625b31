package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/carhud/obdtelemetry/internal/obd"
	"github.com/tarm/serial"
)

// pollInterval is the tarm/serial read timeout; Receive loops on it until the
// caller's deadline so a stuck adapter cannot block past the bound.
const pollInterval = 50 * time.Millisecond

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openPort is a hook for tests (overridden in unit tests).
var openPort = func(device string, baud int) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: pollInterval})
}

type serialLink struct {
	port      Port
	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens a serial link to the adapter at the given device path.
func OpenSerial(device string, baud int) (Link, error) {
	p, err := openPort(device, baud)
	if err != nil {
		return nil, fmt.Errorf("%w: open serial %s: %v", obd.ErrLink, device, err)
	}
	return &serialLink{port: p}, nil
}

// SerialOpener binds OpenSerial into an Opener for the supervisor.
func SerialOpener(device string, baud int) Opener {
	return func() (Link, error) { return OpenSerial(device, baud) }
}

func (l *serialLink) Send(p []byte) error {
	if _, err := l.port.Write(p); err != nil {
		return fmt.Errorf("%w: serial write: %v", obd.ErrLink, err)
	}
	return nil
}

func (l *serialLink) Receive(p []byte, deadline time.Time) (int, error) {
	for {
		n, err := l.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			// tarm/serial reports its read timeout as EOF; anything else is fatal.
			return 0, fmt.Errorf("%w: serial read: %v", obd.ErrLink, err)
		}
		if !time.Now().Before(deadline) {
			return 0, obd.ErrLinkTimeout
		}
	}
}

func (l *serialLink) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.port.Close() })
	return l.closeErr
}
