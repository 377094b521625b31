//go:build !linux

package transport

import (
	"fmt"

	"github.com/carhud/obdtelemetry/internal/obd"
)

// OpenRFCOMM is linux-only; other platforms get a clean error instead of a build failure.
func OpenRFCOMM(addr string, channel uint8) (Link, error) {
	return nil, fmt.Errorf("%w: bluetooth rfcomm unsupported on this platform", obd.ErrLink)
}

// RFCOMMOpener binds OpenRFCOMM into an Opener for the supervisor.
func RFCOMMOpener(addr string, channel uint8) Opener {
	return func() (Link, error) { return OpenRFCOMM(addr, channel) }
}
