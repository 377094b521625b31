package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carhud/obdtelemetry/internal/obd"
)

type appConfig struct {
	transport    string
	device       string
	baud         int
	btAddr       string
	btChannel    int
	respTimeout  time.Duration
	pollTick     time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration
	hubBuffer    int
	pids         []obd.PID
	pushInterval time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	configFile := flag.String("config", "", "Optional YAML config file (flags and env override it)")
	transport := flag.String("transport", "serial", "Adapter transport: serial|bluetooth|demo (simulated adapter)")
	device := flag.String("device", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 38400, "Serial baud rate")
	btAddr := flag.String("bt-addr", "", "Bluetooth adapter address (AA:BB:CC:DD:EE:FF)")
	btChannel := flag.Int("bt-channel", 1, "Bluetooth RFCOMM channel")
	respTimeout := flag.Duration("response-timeout", time.Second, "Per-request reply timeout")
	pollTick := flag.Duration("poll-tick", 50*time.Millisecond, "Scheduler idle tick")
	backoffMin := flag.Duration("backoff-min", 500*time.Millisecond, "Initial reconnect backoff")
	backoffMax := flag.Duration("backoff-max", 30*time.Second, "Reconnect backoff ceiling")
	hubBuffer := flag.Int("hub-buffer", 8, "Per-subscription delivery buffer (batches)")
	pids := flag.String("pids", "0105,010C,010D", "Comma-separated PIDs to stream (hex mode+code)")
	pushInterval := flag.Duration("interval", 500*time.Millisecond, "Refresh interval for the streamed PIDs")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default obd-telemetryd-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env and file.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.transport = *transport
	cfg.device = *device
	cfg.baud = *baud
	cfg.btAddr = *btAddr
	cfg.btChannel = *btChannel
	cfg.respTimeout = *respTimeout
	cfg.pollTick = *pollTick
	cfg.backoffMin = *backoffMin
	cfg.backoffMax = *backoffMax
	cfg.hubBuffer = *hubBuffer
	cfg.pushInterval = *pushInterval
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	parsed, err := parsePIDList(*pids)
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	cfg.pids = parsed

	if *configFile != "" {
		if err := applyFileConfig(cfg, *configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// parsePIDList parses a comma-separated list of hex mode+code PIDs ("0105").
func parsePIDList(s string) ([]obd.PID, error) {
	var out []obd.PID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 16, 16)
		if err != nil || len(part) != 4 {
			return nil, fmt.Errorf("invalid PID %q (want 4 hex digits, e.g. 010C)", part)
		}
		p := obd.PID(n)
		if _, ok := obd.Lookup(p); !ok {
			return nil, fmt.Errorf("unknown PID %q", part)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("empty PID list")
	}
	return out, nil
}

// fileConfig mirrors appConfig for YAML; pointers distinguish absent keys.
type fileConfig struct {
	Transport       *string        `yaml:"transport"`
	Device          *string        `yaml:"device"`
	Baud            *int           `yaml:"baud"`
	BluetoothAddr   *string        `yaml:"bluetooth_addr"`
	BluetoothChan   *int           `yaml:"bluetooth_channel"`
	ResponseTimeout *time.Duration `yaml:"response_timeout"`
	PollTick        *time.Duration `yaml:"poll_tick"`
	BackoffMin      *time.Duration `yaml:"backoff_min"`
	BackoffMax      *time.Duration `yaml:"backoff_max"`
	HubBuffer       *int           `yaml:"hub_buffer"`
	PIDs            []string       `yaml:"pids"`
	Interval        *time.Duration `yaml:"interval"`
	LogFormat       *string        `yaml:"log_format"`
	LogLevel        *string        `yaml:"log_level"`
	MetricsAddr     *string        `yaml:"metrics_addr"`
	MDNSEnable      *bool          `yaml:"mdns_enable"`
	MDNSName        *string        `yaml:"mdns_name"`
}

// applyFileConfig overlays YAML values onto cfg for fields whose flag was not
// explicitly set. Env overrides run afterwards and still beat the file.
func applyFileConfig(cfg *appConfig, path string, set map[string]struct{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	notSet := func(name string) bool { _, ok := set[name]; return !ok }
	if fc.Transport != nil && notSet("transport") {
		cfg.transport = *fc.Transport
	}
	if fc.Device != nil && notSet("device") {
		cfg.device = *fc.Device
	}
	if fc.Baud != nil && notSet("baud") {
		cfg.baud = *fc.Baud
	}
	if fc.BluetoothAddr != nil && notSet("bt-addr") {
		cfg.btAddr = *fc.BluetoothAddr
	}
	if fc.BluetoothChan != nil && notSet("bt-channel") {
		cfg.btChannel = *fc.BluetoothChan
	}
	if fc.ResponseTimeout != nil && notSet("response-timeout") {
		cfg.respTimeout = *fc.ResponseTimeout
	}
	if fc.PollTick != nil && notSet("poll-tick") {
		cfg.pollTick = *fc.PollTick
	}
	if fc.BackoffMin != nil && notSet("backoff-min") {
		cfg.backoffMin = *fc.BackoffMin
	}
	if fc.BackoffMax != nil && notSet("backoff-max") {
		cfg.backoffMax = *fc.BackoffMax
	}
	if fc.HubBuffer != nil && notSet("hub-buffer") {
		cfg.hubBuffer = *fc.HubBuffer
	}
	if len(fc.PIDs) > 0 && notSet("pids") {
		parsed, err := parsePIDList(strings.Join(fc.PIDs, ","))
		if err != nil {
			return err
		}
		cfg.pids = parsed
	}
	if fc.Interval != nil && notSet("interval") {
		cfg.pushInterval = *fc.Interval
	}
	if fc.LogFormat != nil && notSet("log-format") {
		cfg.logFormat = *fc.LogFormat
	}
	if fc.LogLevel != nil && notSet("log-level") {
		cfg.logLevel = *fc.LogLevel
	}
	if fc.MetricsAddr != nil && notSet("metrics-addr") {
		cfg.metricsAddr = *fc.MetricsAddr
	}
	if fc.MDNSEnable != nil && notSet("mdns-enable") {
		cfg.mdnsEnable = *fc.MDNSEnable
	}
	if fc.MDNSName != nil && notSet("mdns-name") {
		cfg.mdnsName = *fc.MDNSName
	}
	return nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.transport {
	case "serial":
		if c.device == "" {
			return errors.New("serial transport requires -device")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
	case "bluetooth":
		if c.btAddr == "" {
			return errors.New("bluetooth transport requires -bt-addr")
		}
		if c.btChannel < 1 || c.btChannel > 30 {
			return fmt.Errorf("bt-channel must be 1..30 (got %d)", c.btChannel)
		}
	case "demo":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
	}
	if c.respTimeout <= 0 {
		return errors.New("response-timeout must be > 0")
	}
	if c.pollTick <= 0 {
		return errors.New("poll-tick must be > 0")
	}
	if c.backoffMin <= 0 || c.backoffMax < c.backoffMin {
		return fmt.Errorf("backoff range invalid: min=%v max=%v", c.backoffMin, c.backoffMax)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.pushInterval <= 0 {
		return errors.New("interval must be > 0")
	}
	if len(c.pids) == 0 {
		return errors.New("no PIDs configured")
	}
	return nil
}

// applyEnvOverrides maps OBD_TELEMETRYD_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values are
// ignored. Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["transport"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_TRANSPORT"); ok && v != "" {
			c.transport = v
		}
	}
	if _, ok := set["device"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_DEVICE"); ok && v != "" {
			c.device = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["bt-addr"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_BT_ADDR"); ok && v != "" {
			c.btAddr = v
		}
	}
	if _, ok := set["bt-channel"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_BT_CHANNEL"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.btChannel = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_BT_CHANNEL: %w", err)
			}
		}
	}
	if _, ok := set["response-timeout"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_RESPONSE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.respTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_RESPONSE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["poll-tick"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_POLL_TICK"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pollTick = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_POLL_TICK: %w", err)
			}
		}
	}
	if _, ok := set["backoff-min"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_BACKOFF_MIN"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.backoffMin = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_BACKOFF_MIN: %w", err)
			}
		}
	}
	if _, ok := set["backoff-max"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_BACKOFF_MAX"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.backoffMax = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_BACKOFF_MAX: %w", err)
			}
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_HUB_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["pids"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_PIDS"); ok && v != "" {
			if parsed, err := parsePIDList(v); err == nil {
				c.pids = parsed
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_PIDS: %w", err)
			}
		}
	}
	if _, ok := set["interval"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pushInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBD_TELEMETRYD_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("OBD_TELEMETRYD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
