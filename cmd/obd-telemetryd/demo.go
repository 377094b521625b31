package main

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/carhud/obdtelemetry/internal/obd"
	"github.com/carhud/obdtelemetry/internal/transport"
)

// demoLink simulates an ELM327 on a warmed-up vehicle so the daemon can run
// without hardware. Values drift over time to keep dashboards moving.
type demoLink struct {
	mu    sync.Mutex
	queue []byte
	start time.Time
}

func demoOpener() (transport.Link, error) {
	return &demoLink{start: time.Now()}, nil
}

func (l *demoLink) Send(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cmd := strings.TrimSuffix(string(p), "\r")
	l.queue = append(l.queue, []byte(l.respond(cmd)+"\r>")...)
	return nil
}

func (l *demoLink) respond(cmd string) string {
	switch cmd {
	case "ATZ":
		return "ELM327 v1.5"
	case "ATRV":
		return "13.8V"
	case "ATDPN":
		return "A6"
	case "0100":
		return "41 00 BE 3F A8 10"
	}
	if strings.HasPrefix(cmd, "AT") {
		return "OK"
	}
	t := time.Since(l.start).Seconds()
	switch cmd {
	case obd.PIDEngineRPM.String():
		rpm := 800 + 400*math.Sin(t/3) // gentle idle hunt
		raw := int(rpm * 4)
		return fmt.Sprintf("41 0C %02X %02X", raw>>8, raw&0xFF)
	case obd.PIDVehicleSpeed.String():
		return fmt.Sprintf("41 0D %02X", int(30+25*math.Sin(t/10))&0xFF)
	case obd.PIDCoolantTemp.String():
		temp := math.Min(90, 20+t) // warms up one degree per second
		return fmt.Sprintf("41 05 %02X", int(temp)+40)
	case obd.PIDThrottlePos.String():
		return fmt.Sprintf("41 11 %02X", int((20+15*math.Sin(t/5))*255/100)&0xFF)
	case obd.PIDEngineLoad.String():
		return fmt.Sprintf("41 04 %02X", int((35+10*math.Sin(t/7))*255/100)&0xFF)
	case obd.PIDIntakeAirTemp.String():
		return "41 0F 3C" // 20 °C
	case obd.PIDMAFRate.String():
		return "41 10 01 90" // 4 g/s
	}
	return "NO DATA"
}

func (l *demoLink) Receive(p []byte, deadline time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return 0, obd.ErrLinkTimeout
	}
	n := copy(p, l.queue)
	l.queue = l.queue[n:]
	return n, nil
}

func (l *demoLink) Close() error { return nil }
