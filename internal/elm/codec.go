package elm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/carhud/obdtelemetry/internal/metrics"
	"github.com/carhud/obdtelemetry/internal/obd"
)

// Codec translates between PIDs and the ELM327 line protocol. Stateless and
// safe for concurrent use.
type Codec struct{}

// Prompt is the adapter's ready marker terminating every response.
const Prompt = '>'

// ErrNoData is returned when the adapter explicitly reports the value
// unavailable. Callers use it to distinguish "vehicle does not provide this
// PID" from a malformed reply.
var ErrNoData = errors.New("elm: no data")

// Hard error tokens the adapter may print instead of payload bytes.
// "NO DATA" is handled separately because it carries different semantics.
var errorTokens = []string{
	"UNABLE TO CONNECT",
	"BUS INIT",
	"CAN ERROR",
	"BUFFER FULL",
	"FB ERROR",
	"DATA ERROR",
	"STOPPED",
	"ERROR",
	"?",
}

// Request encodes the PID poll command: hex mode + code, CR-terminated.
func (Codec) Request(p obd.PID) []byte {
	return []byte(p.String() + "\r")
}

// Invalid builds the invalid-reading marker stored in the cache when a
// request timed out or the reply could not be decoded. The timestamp records
// the attempt so staleness stays visible to consumers.
func Invalid(p obd.PID, now time.Time) obd.Reading {
	r := obd.Reading{PID: p, Time: now}
	if d, ok := obd.Lookup(p); ok {
		r.Unit = d.Unit
	}
	return r
}

// Decode parses a raw adapter response (everything received up to the
// prompt) for the requested PID into a Reading stamped at now.
//
// The returned Reading is always usable: on any decode failure it carries
// Valid=false alongside the error, so the cache entry still supersedes the
// previous one. NO DATA yields (invalid reading, ErrNoData); malformed or
// mismatched payloads yield (invalid reading, wrapped obd.ErrDecode).
func (c Codec) Decode(p obd.PID, raw string, now time.Time) (obd.Reading, error) {
	inv := Invalid(p, now)
	desc, ok := obd.Lookup(p)
	if !ok {
		return inv, fmt.Errorf("%w: no descriptor for %s", obd.ErrDecode, p)
	}

	lines := cleanLines(p, raw)
	if len(lines) == 0 {
		metrics.IncDecodeError()
		return inv, fmt.Errorf("%w: empty response for %s", obd.ErrDecode, p)
	}
	for _, ln := range lines {
		if strings.Contains(ln, "NO DATA") {
			return inv, ErrNoData
		}
		for _, tok := range errorTokens {
			if strings.Contains(ln, tok) {
				metrics.IncDecodeError()
				return inv, fmt.Errorf("%w: adapter reported %q", obd.ErrDecode, ln)
			}
		}
	}

	payload, err := reassemble(lines)
	if err != nil {
		metrics.IncDecodeError()
		return inv, err
	}

	// The reply must echo the request: positive-response mode (0x40|mode)
	// followed by the PID code.
	if len(payload) < 2 || payload[0] != 0x40|p.Mode() || payload[1] != p.Code() {
		metrics.IncDecodeError()
		return inv, fmt.Errorf("%w: mode/pid echo mismatch for %s in % X", obd.ErrDecode, p, payload)
	}
	data := payload[2:]
	if len(data) != desc.Bytes {
		metrics.IncDecodeError()
		return inv, fmt.Errorf("%w: %s expects %d data bytes, got %d", obd.ErrDecode, p, desc.Bytes, len(data))
	}

	v := desc.Decode(data)
	if !desc.InRange(v) {
		metrics.IncDecodeError()
		return inv, fmt.Errorf("%w: %s value %v outside [%v,%v]", obd.ErrDecode, p, v, desc.Min, desc.Max)
	}
	return obd.Reading{PID: p, Value: v, Unit: desc.Unit, Time: now, Valid: true}, nil
}

// cleanLines splits the raw response, trims noise, and drops the command
// echo and transient status lines, leaving only candidate payload lines.
func cleanLines(p obd.PID, raw string) []string {
	raw = strings.ReplaceAll(raw, string(Prompt), "")
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	out := make([]string, 0, len(fields))
	echo := p.String()
	for _, f := range fields {
		ln := strings.ToUpper(strings.TrimSpace(f))
		switch {
		case ln == "":
		case strings.ReplaceAll(ln, " ", "") == echo: // command echo (ATE0 not yet effective)
		case strings.HasPrefix(ln, "SEARCHING"):
		default:
			out = append(out, ln)
		}
	}
	return out
}

// reassemble extracts payload bytes from the cleaned lines. Single-frame
// responses are one hex line. Long responses use the ELM327 multi-line
// format: a 3-digit hex byte count followed by "N:" indexed segments that
// must be contiguous from 0; a gap or out-of-order segment invalidates the
// whole response.
func reassemble(lines []string) ([]byte, error) {
	if total, ok := parseByteCount(lines[0]); ok {
		return reassembleSegments(lines[1:], total)
	}
	// Single-frame: the first line carrying hex bytes is the payload.
	for _, ln := range lines {
		if b, ok := hexBytes(ln); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no payload line in %q", obd.ErrDecode, strings.Join(lines, "|"))
}

func reassembleSegments(lines []string, total int) ([]byte, error) {
	type seg struct {
		idx  int
		data []byte
	}
	segs := make([]seg, 0, len(lines))
	for _, ln := range lines {
		i := strings.IndexByte(ln, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: expected indexed segment, got %q", obd.ErrDecode, ln)
		}
		idx, err := strconv.ParseInt(strings.TrimSpace(ln[:i]), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad segment index in %q", obd.ErrDecode, ln)
		}
		b, ok := hexBytes(ln[i+1:])
		if !ok {
			return nil, fmt.Errorf("%w: bad segment payload in %q", obd.ErrDecode, ln)
		}
		segs = append(segs, seg{idx: int(idx), data: b})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: byte count %d with no segments", obd.ErrDecode, total)
	}
	// Segments must arrive in sequence starting at zero; the adapter emits
	// them in order, so any reordering or gap means a corrupted response.
	payload := make([]byte, 0, total)
	for want, s := range segs {
		if s.idx != want {
			return nil, fmt.Errorf("%w: segment %d missing or out of order (got %d)", obd.ErrDecode, want, s.idx)
		}
		payload = append(payload, s.data...)
	}
	if len(payload) < total {
		return nil, fmt.Errorf("%w: reassembled %d bytes, count says %d", obd.ErrDecode, len(payload), total)
	}
	return payload[:total], nil
}

// parseByteCount recognizes the 3-hex-digit length line opening a multi-line
// response.
func parseByteCount(ln string) (int, bool) {
	ln = strings.TrimSpace(ln)
	if len(ln) != 3 {
		return 0, false
	}
	n, err := strconv.ParseInt(ln, 16, 32)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// hexBytes parses a line of hex bytes, tolerating both spaced ("41 05 7B")
// and packed ("41057B") adapter output.
func hexBytes(ln string) ([]byte, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(ln), " ", "")
	if s == "" || len(s)%2 != 0 {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
