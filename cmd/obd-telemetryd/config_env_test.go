package main

import (
	"os"
	"testing"
	"time"

	"github.com/carhud/obdtelemetry/internal/obd"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("OBD_TELEMETRYD_TRANSPORT", "bluetooth")
	os.Setenv("OBD_TELEMETRYD_BT_ADDR", "AA:BB:CC:DD:EE:FF")
	os.Setenv("OBD_TELEMETRYD_RESPONSE_TIMEOUT", "750ms")
	os.Setenv("OBD_TELEMETRYD_PIDS", "010C,010D")
	os.Setenv("OBD_TELEMETRYD_MDNS_ENABLE", "true")
	t.Cleanup(func() {
		os.Unsetenv("OBD_TELEMETRYD_TRANSPORT")
		os.Unsetenv("OBD_TELEMETRYD_BT_ADDR")
		os.Unsetenv("OBD_TELEMETRYD_RESPONSE_TIMEOUT")
		os.Unsetenv("OBD_TELEMETRYD_PIDS")
		os.Unsetenv("OBD_TELEMETRYD_MDNS_ENABLE")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.transport != "bluetooth" || base.btAddr != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("expected transport override, got %+v", base)
	}
	if base.respTimeout != 750*time.Millisecond {
		t.Fatalf("expected respTimeout 750ms got %v", base.respTimeout)
	}
	if len(base.pids) != 2 || base.pids[0] != obd.PIDEngineRPM || base.pids[1] != obd.PIDVehicleSpeed {
		t.Fatalf("expected PID override, got %v", base.pids)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := baseConfig()
	os.Setenv("OBD_TELEMETRYD_BAUD", "115200")
	t.Cleanup(func() { os.Unsetenv("OBD_TELEMETRYD_BAUD") })
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 38400 {
		t.Fatalf("expected baud unchanged 38400 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	base := baseConfig()
	os.Setenv("OBD_TELEMETRYD_BAUD", "notint")
	t.Cleanup(func() { os.Unsetenv("OBD_TELEMETRYD_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}

	base = baseConfig()
	os.Setenv("OBD_TELEMETRYD_POLL_TICK", "soon")
	t.Cleanup(func() { os.Unsetenv("OBD_TELEMETRYD_POLL_TICK") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}

	base = baseConfig()
	os.Setenv("OBD_TELEMETRYD_PIDS", "banana")
	t.Cleanup(func() { os.Unsetenv("OBD_TELEMETRYD_PIDS") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad PID list")
	}
}
