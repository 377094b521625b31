package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carhud/obdtelemetry/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"poll_requests", snap.PollRequests,
					"poll_timeouts", snap.PollTimeouts,
					"readings_valid", snap.ReadingsValid,
					"readings_invalid", snap.ReadingsInvalid,
					"decode_errors", snap.DecodeErrors,
					"unsupported_pids", snap.Unsupported,
					"reconnects", snap.Reconnects,
					"batches_delivered", snap.Delivered,
					"batches_dropped", snap.Dropped,
					"subscriptions", snap.Subscriptions,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
