package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/carhud/obdtelemetry/internal/engine"
	"github.com/carhud/obdtelemetry/internal/link"
	"github.com/carhud/obdtelemetry/internal/metrics"
	"github.com/carhud/obdtelemetry/internal/obd"
)

// Helper implementations live in dedicated files: version.go, config.go, logger.go, mdns.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("obd-telemetryd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	engOpts := []engine.Option{engine.WithLogger(l)}
	if cfg.transport == "demo" {
		engOpts = append(engOpts, engine.WithOpener(demoOpener))
	}
	eng, err := engine.New(engine.Config{
		Transport:       cfg.transport,
		Device:          cfg.device,
		Baud:            cfg.baud,
		BTAddr:          cfg.btAddr,
		BTChannel:       uint8(cfg.btChannel),
		ResponseTimeout: cfg.respTimeout,
		PollTick:        cfg.pollTick,
		InitialBackoff:  cfg.backoffMin,
		MaxBackoff:      cfg.backoffMax,
		HubBuffer:       cfg.hubBuffer,
	}, engOpts...)
	if err != nil {
		l.Error("engine_init_error", "error", err)
		return
	}

	sub, err := eng.Subscribe(cfg.pids, cfg.pushInterval)
	if err != nil {
		l.Error("subscribe_error", "error", err)
		eng.Close()
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := range sub.Out {
			if b.LinkClosed {
				l.Info("link_closed")
				continue
			}
			for p, r := range b.Readings {
				if d, ok := obd.Lookup(p); ok && r.Valid {
					l.Info("reading", "pid", p.String(), "name", d.Name, "value", r.Value, "unit", r.Unit)
				} else if !r.Valid {
					l.Warn("reading_invalid", "pid", p.String(), "time", r.Time)
				}
			}
		}
	}()

	// Ready once the adapter link is usable (connected, possibly degraded).
	metrics.SetReadinessFunc(func() bool {
		if ctx.Err() != nil {
			return false
		}
		st := eng.LinkState()
		return st == link.Connected || st == link.Degraded
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		if cfg.mdnsEnable {
			portNum := 0
			if _, p, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					portNum = pn
				}
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
				defer cleanupMDNS()
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	eng.Close() // closes sub.Out, which ends the consumer goroutine
	wg.Wait()
}
