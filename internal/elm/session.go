package elm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carhud/obdtelemetry/internal/logging"
	"github.com/carhud/obdtelemetry/internal/metrics"
	"github.com/carhud/obdtelemetry/internal/obd"
	"github.com/carhud/obdtelemetry/internal/transport"
)

const (
	// resetTimeout bounds ATZ, which restarts the adapter firmware.
	resetTimeout = 3 * time.Second
	// settleDelay gives clone adapters a beat after reset before the next command.
	settleDelay = 100 * time.Millisecond
	readBufSize = 256
)

// sleepFn allows tests to intercept settle delays.
var sleepFn = time.Sleep

// Info describes the adapter after a successful init handshake.
type Info struct {
	Ident    string // ATZ banner, e.g. "ELM327 v1.5"
	Protocol string // ATDPN protocol number
	Voltage  string // AT RV battery voltage readout
	// Supported holds the vehicle's advertised mode 01 PID bitmap, nil when
	// the probe was inconclusive (poll everything, let NO DATA sort it out).
	Supported map[obd.PID]bool
}

// Session drives the request/reply line discipline over one open link. The
// adapter is half-duplex: exactly one command may be outstanding, which the
// poll loop's single-flight ownership guarantees.
type Session struct {
	link        transport.Link
	codec       Codec
	respTimeout time.Duration
	buf         []byte
}

// NewSession wraps an open link. respTimeout bounds every reply wait.
func NewSession(l transport.Link, respTimeout time.Duration) *Session {
	return &Session{link: l, codec: Codec{}, respTimeout: respTimeout, buf: make([]byte, readBufSize)}
}

// Command sends a raw command line and returns everything the adapter
// printed up to the prompt.
func (s *Session) Command(cmd string, timeout time.Duration) (string, error) {
	if err := s.link.Send([]byte(cmd + "\r")); err != nil {
		metrics.IncError(metrics.ErrLinkSend)
		return "", err
	}
	return s.readUntilPrompt(time.Now().Add(timeout))
}

// readUntilPrompt accumulates response bytes until the '>' prompt or the
// deadline. The deadline is absolute so a byte-dribbling adapter cannot
// stretch the wait.
func (s *Session) readUntilPrompt(deadline time.Time) (string, error) {
	var sb strings.Builder
	for {
		n, err := s.link.Receive(s.buf, deadline)
		if err != nil {
			if errors.Is(err, obd.ErrLinkTimeout) {
				if sb.Len() > 0 {
					// Partial response without prompt: surface what arrived as
					// a timeout so the caller records an invalid reading.
					return sb.String(), obd.ErrLinkTimeout
				}
				return sb.String(), err
			}
			metrics.IncError(metrics.ErrLinkReceive)
			return sb.String(), err
		}
		chunk := s.buf[:n]
		if i := bytes.IndexByte(chunk, Prompt); i >= 0 {
			sb.Write(chunk[:i])
			return sb.String(), nil
		}
		sb.Write(chunk)
	}
}

// Query issues one PID request and decodes the reply into a Reading.
func (s *Session) Query(p obd.PID, now time.Time) (obd.Reading, error) {
	metrics.IncPollRequest()
	if err := s.link.Send(s.codec.Request(p)); err != nil {
		metrics.IncError(metrics.ErrLinkSend)
		return Invalid(p, now), err
	}
	raw, err := s.readUntilPrompt(time.Now().Add(s.respTimeout))
	if err != nil {
		return Invalid(p, now), err
	}
	return s.codec.Decode(p, raw, now)
}

// Init runs the adapter setup sequence: reset, echo/linefeed/header
// suppression, automatic protocol selection, then a 0100 probe to force bus
// negotiation. It must be called once per fresh link before polling.
func (s *Session) Init() (Info, error) {
	var info Info

	banner, err := s.Command("ATZ", resetTimeout)
	if err != nil {
		return info, fmt.Errorf("adapter reset: %w", err)
	}
	info.Ident = identFrom(banner)
	if !strings.Contains(banner, "ELM") {
		return info, fmt.Errorf("%w: no ELM banner in reset reply %q", obd.ErrLink, strings.TrimSpace(banner))
	}
	sleepFn(settleDelay)

	for _, cmd := range []string{"ATE0", "ATL0", "ATH0", "ATSP0"} {
		if _, err := s.Command(cmd, s.respTimeout); err != nil {
			return info, fmt.Errorf("adapter setup %s: %w", cmd, err)
		}
	}

	if v, err := s.Command("ATRV", s.respTimeout); err == nil {
		info.Voltage = strings.TrimSpace(strings.ReplaceAll(v, string(Prompt), ""))
	}

	// 0100 doubles as the protocol negotiation trigger and the first
	// supported-PID bitmap; give it extra headroom for the bus search.
	probe, err := s.Command(obd.PID(0x0100).String(), resetTimeout)
	if err != nil {
		return info, fmt.Errorf("protocol probe: %w", err)
	}
	if strings.Contains(probe, "UNABLE TO CONNECT") {
		return info, fmt.Errorf("%w: vehicle bus not responding", obd.ErrLink)
	}

	if pn, err := s.Command("ATDPN", s.respTimeout); err == nil {
		info.Protocol = strings.TrimSpace(strings.ReplaceAll(pn, string(Prompt), ""))
	}

	info.Supported = s.probeSupported(probe)
	logging.L().Info("adapter_ready",
		"ident", info.Ident, "protocol", info.Protocol, "voltage", info.Voltage,
		"supported_pids", len(info.Supported))
	return info, nil
}

// identFrom pulls the adapter identity line out of the ATZ banner.
func identFrom(banner string) string {
	for _, ln := range strings.FieldsFunc(banner, func(r rune) bool { return r == '\r' || r == '\n' }) {
		ln = strings.TrimSpace(ln)
		if strings.Contains(ln, "ELM") {
			return ln
		}
	}
	return strings.TrimSpace(banner)
}

// probeSupported walks the mode 01 supported-PID bitmaps (0100, 0120, 0140,
// 0160). first is the already-received 0100 response. A decode failure on
// the first bitmap returns nil: better to poll and learn from NO DATA than
// to blacklist everything on a flaky probe.
func (s *Session) probeSupported(first string) map[obd.PID]bool {
	supported := make(map[obd.PID]bool)
	raw := first
	for base := obd.PID(0x0100); ; base += 0x20 {
		payload, err := bitmapPayload(base, raw)
		if err != nil {
			if base == 0x0100 {
				return nil
			}
			break
		}
		more := applyBitmap(supported, base, payload)
		if !more || base >= 0x0160 {
			break
		}
		raw, err = s.Command((base + 0x20).String(), s.respTimeout)
		if err != nil {
			break
		}
	}
	return supported
}

// bitmapPayload extracts the 4 bitmap bytes from a supported-PID response.
func bitmapPayload(base obd.PID, raw string) ([]byte, error) {
	lines := cleanLines(base, raw)
	for _, ln := range lines {
		if strings.Contains(ln, "NO DATA") {
			return nil, ErrNoData
		}
	}
	for _, ln := range lines {
		b, ok := hexBytes(ln)
		if !ok {
			continue
		}
		if len(b) == 6 && b[0] == 0x40|base.Mode() && b[1] == base.Code() {
			return b[2:], nil
		}
	}
	return nil, fmt.Errorf("%w: no bitmap in reply to %s", obd.ErrDecode, base)
}

// applyBitmap records supported PIDs from one 32-bit range and reports
// whether the next range is advertised (bit for base+0x20).
func applyBitmap(supported map[obd.PID]bool, base obd.PID, b []byte) bool {
	for i := 0; i < 32; i++ {
		if b[i/8]&(1<<(7-i%8)) != 0 {
			supported[base+obd.PID(i)+1] = true
		}
	}
	next := base + 0x20
	return supported[next]
}
