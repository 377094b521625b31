// Package link owns the transport lifecycle: connect, adapter init, session,
// reconnect with jittered exponential backoff. Transport failures never
// escape to consumers; they only observe state transitions and staleness.
package link

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/carhud/obdtelemetry/internal/elm"
	"github.com/carhud/obdtelemetry/internal/logging"
	"github.com/carhud/obdtelemetry/internal/metrics"
	"github.com/carhud/obdtelemetry/internal/transport"
)

// State is the link's lifecycle phase. Degraded means the transport is open
// but recent requests keep timing out, so data may be stale.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// SessionFunc runs one connected polling session. It returns when the link
// fails or the context is cancelled; the supervisor owns link teardown.
type SessionFunc func(ctx context.Context, sess *elm.Session, info elm.Info) error

// minHealthySession is how long a session must survive before the reconnect
// backoff resets. A session dying sooner (an adapter that passes init but
// fails under polling) retries after the next backoff delay instead of
// reconnecting in a tight loop.
const minHealthySession = 10 * time.Second

// sleepCtx is a hook for tests; returns false if ctx ended first.
var sleepCtx = func(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type Config struct {
	Open        transport.Opener
	Session     SessionFunc
	RespTimeout time.Duration
	Logger      *slog.Logger

	// Backoff defaults: 500ms initial, x2, ±50% jitter, 30s ceiling.
	// Jitter < 0 disables randomization.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

type Supervisor struct {
	open        transport.Opener
	session     SessionFunc
	respTimeout time.Duration
	log         *slog.Logger
	bo          *backoff.ExponentialBackOff
	state       atomic.Int32
}

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	if cfg.RespTimeout <= 0 {
		cfg.RespTimeout = time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	jitter := cfg.Jitter
	if jitter == 0 {
		jitter = 0.5
	} else if jitter < 0 {
		jitter = 0
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = jitter
	bo.MaxElapsedTime = 0 // retry until explicitly stopped
	bo.Reset()
	return &Supervisor{
		open:        cfg.Open,
		session:     cfg.Session,
		respTimeout: cfg.RespTimeout,
		log:         cfg.Logger,
		bo:          bo,
	}
}

// State returns the current link state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		metrics.SetLinkState(int(st))
		s.log.Info("link_state", "from", prev.String(), "to", st.String())
	}
}

// SetDegraded flips between Connected and Degraded without touching the
// transport; called by the poll scheduler on timeout streaks.
func (s *Supervisor) SetDegraded(degraded bool) {
	if degraded {
		s.state.CompareAndSwap(int32(Connected), int32(Degraded))
	} else {
		s.state.CompareAndSwap(int32(Degraded), int32(Connected))
	}
	metrics.SetLinkState(int(s.State()))
}

// Run drives connect/session/reconnect until ctx is cancelled. Each failed
// connect attempt logs the error and retries after the next backoff delay;
// a session surviving past the health threshold resets the backoff, one
// dying sooner backs off like a failed connect.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.setState(Disconnected)
	for ctx.Err() == nil {
		s.setState(Connecting)
		l, err := s.open()
		if err != nil {
			metrics.IncError(metrics.ErrLinkOpen)
			s.retry(ctx, "link_open_failed", err)
			continue
		}
		sess := elm.NewSession(l, s.respTimeout)
		info, err := sess.Init()
		if err != nil {
			_ = l.Close()
			metrics.IncError(metrics.ErrAdapterInit)
			s.retry(ctx, "adapter_init_failed", err)
			continue
		}
		metrics.IncReconnect()
		s.setState(Connected)

		start := time.Now()
		err = s.session(ctx, sess, info)
		_ = l.Close()
		s.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) >= minHealthySession {
			s.bo.Reset()
			s.log.Warn("session_ended", "error", err)
			continue
		}
		wait := s.bo.NextBackOff()
		s.log.Warn("session_ended_early", "error", err, "uptime", time.Since(start), "retry_in", wait)
		sleepCtx(ctx, wait)
	}
}

func (s *Supervisor) retry(ctx context.Context, event string, err error) {
	s.setState(Disconnected)
	wait := s.bo.NextBackOff()
	s.log.Warn(event, "error", err, "retry_in", wait)
	sleepCtx(ctx, wait)
}
