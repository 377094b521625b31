package obd

import (
	"fmt"
	"time"
)

// PID identifies one queryable vehicle parameter. The high byte carries the
// OBD-II mode, the low byte the parameter code, e.g. 0x010C = mode 01 PID 0C
// (engine RPM). Vendor-specific parameters use modes above 0x09.
type PID uint16

func (p PID) Mode() byte { return byte(p >> 8) }
func (p PID) Code() byte { return byte(p) }

// String renders the request form sent to the adapter, e.g. "010C".
func (p PID) String() string { return fmt.Sprintf("%02X%02X", p.Mode(), p.Code()) }

// Reading is one acquired value for a PID in its canonical unit. Readings are
// immutable; a newer reading for the same PID supersedes the older one.
// Valid is false when the adapter reported the value unavailable or the
// response could not be decoded; the timestamp still records the attempt so
// staleness stays observable.
type Reading struct {
	PID   PID
	Value float64
	Unit  string
	Time  time.Time
	Valid bool
}

// DecodeFunc converts raw payload bytes (mode/PID echo already stripped)
// into a physical value in the descriptor's canonical unit.
type DecodeFunc func(data []byte) float64

// Descriptor describes how one PID is requested and decoded. Descriptors are
// immutable and live in the built-in table; look them up with Lookup.
type Descriptor struct {
	PID    PID
	Name   string
	Bytes  int // expected payload length after the mode/PID echo
	Unit   string
	Min    float64 // valid range in canonical unit, inclusive
	Max    float64
	Decode DecodeFunc
}

// InRange reports whether v falls inside the descriptor's valid range.
func (d Descriptor) InRange(v float64) bool { return v >= d.Min && v <= d.Max }
