// Package engine exposes the telemetry core to the host application: one
// explicit instance per adapter link, supporting independent instances in
// tests. Consumers subscribe to PID sets and receive pushed reading batches;
// everything else (polling, decoding, reconnecting) happens internally.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carhud/obdtelemetry/internal/cache"
	"github.com/carhud/obdtelemetry/internal/elm"
	"github.com/carhud/obdtelemetry/internal/hub"
	"github.com/carhud/obdtelemetry/internal/link"
	"github.com/carhud/obdtelemetry/internal/logging"
	"github.com/carhud/obdtelemetry/internal/obd"
	"github.com/carhud/obdtelemetry/internal/poll"
	"github.com/carhud/obdtelemetry/internal/transport"
)

// Config selects the transport and tunes the engine's timing. Zero values
// get sensible defaults.
type Config struct {
	Transport string // "serial" or "bluetooth"
	Device    string // serial device path
	Baud      int
	BTAddr    string // bluetooth adapter MAC
	BTChannel uint8

	ResponseTimeout time.Duration // per-request reply bound
	PollTick        time.Duration // scheduler idle tick
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Jitter          float64
	HubBuffer       int // per-subscription delivery buffer (batches)
}

type Option func(*settings)

type settings struct {
	opener transport.Opener
	logger *slog.Logger
}

// WithOpener overrides the transport dialer; used by tests and the demo mode.
func WithOpener(o transport.Opener) Option { return func(s *settings) { s.opener = o } }

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(s *settings) { s.logger = l } }

// Engine is one live telemetry instance. Create with New, stop with Close.
type Engine struct {
	cache     *cache.Cache
	hub       *hub.Hub
	sup       *link.Supervisor
	log       *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New builds and starts an engine. The supervisor begins connecting
// immediately; subscriptions may be registered before the link is up and
// will start receiving data once readings arrive.
func New(cfg Config, opts ...Option) (*Engine, error) {
	var st settings
	for _, o := range opts {
		o(&st)
	}
	if st.logger == nil {
		st.logger = logging.L()
	}
	opener := st.opener
	if opener == nil {
		var err error
		opener, err = openerFor(cfg)
		if err != nil {
			return nil, err
		}
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = time.Second
	}

	e := &Engine{
		cache: cache.New(),
		log:   st.logger,
		done:  make(chan struct{}),
	}
	e.hub = hub.New(e.cache)
	if cfg.HubBuffer > 0 {
		e.hub.OutBufSize = cfg.HubBuffer
	}
	e.sup = link.New(link.Config{
		Open:           opener,
		RespTimeout:    cfg.ResponseTimeout,
		Logger:         st.logger,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Jitter:         cfg.Jitter,
		Session: func(ctx context.Context, sess *elm.Session, info elm.Info) error {
			// Fresh link: the cache rebuilds from scratch, nothing carries
			// over from the previous session.
			e.cache.Reset()
			sched := poll.New(poll.Config{
				Session:    sess,
				Cache:      e.cache,
				Demand:     e.hub,
				Tick:       cfg.PollTick,
				Supported:  info.Supported,
				OnDegraded: e.sup.SetDegraded,
				Logger:     st.logger,
			})
			return sched.Run(ctx)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() {
		defer close(e.done)
		e.sup.Run(ctx)
	}()
	return e, nil
}

func openerFor(cfg Config) (transport.Opener, error) {
	switch cfg.Transport {
	case "serial":
		if cfg.Device == "" {
			return nil, fmt.Errorf("serial transport requires a device path")
		}
		baud := cfg.Baud
		if baud <= 0 {
			baud = 38400 // the ELM327 default
		}
		return transport.SerialOpener(cfg.Device, baud), nil
	case "bluetooth":
		if cfg.BTAddr == "" {
			return nil, fmt.Errorf("bluetooth transport requires an adapter address")
		}
		ch := cfg.BTChannel
		if ch == 0 {
			ch = 1
		}
		return transport.RFCOMMOpener(cfg.BTAddr, ch), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (use serial|bluetooth)", cfg.Transport)
	}
}

// Subscribe registers interest in pids at the given refresh interval. The
// returned subscription's Out channel carries reading batches until
// Unsubscribe or engine Close.
func (e *Engine) Subscribe(pids []obd.PID, interval time.Duration) (*hub.Subscription, error) {
	if len(pids) == 0 {
		return nil, fmt.Errorf("subscribe: empty PID set")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("subscribe: interval must be > 0")
	}
	for _, p := range pids {
		if _, ok := obd.Lookup(p); !ok {
			return nil, fmt.Errorf("subscribe: unknown PID %s", p)
		}
	}
	return e.hub.Subscribe(pids, interval), nil
}

// Unsubscribe stops delivery to sub within one delivery tick.
func (e *Engine) Unsubscribe(sub *hub.Subscription) { e.hub.Unsubscribe(sub) }

// LinkState returns the current link state.
func (e *Engine) LinkState() link.State { return e.sup.State() }

// Reading returns the cached reading for p, if any. Staleness is the
// caller's to judge from the timestamp.
func (e *Engine) Reading(p obd.PID) (obd.Reading, bool) { return e.cache.Get(p) }

// Close stops polling before the next request, closes the transport,
// delivers a terminal link-closed batch to every subscriber, and releases
// all engine resources. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.done // supervisor has closed the transport
		e.hub.Shutdown()
		e.log.Info("engine_closed")
	})
}
