// Package poll runs the per-session request loop: one PID in flight at a
// time (the adapter is half-duplex), stalest PID first among those due.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/carhud/obdtelemetry/internal/cache"
	"github.com/carhud/obdtelemetry/internal/elm"
	"github.com/carhud/obdtelemetry/internal/logging"
	"github.com/carhud/obdtelemetry/internal/metrics"
	"github.com/carhud/obdtelemetry/internal/obd"
)

// degradeThreshold is the consecutive timeout count on one PID that flips the
// link to Degraded; repeated timeouts mean link trouble, not a missing PID.
const degradeThreshold = 3

// Querier issues one PID request and decodes the reply. *elm.Session
// implements it; tests substitute fakes.
type Querier interface {
	Query(p obd.PID, now time.Time) (obd.Reading, error)
}

// DemandSource exposes aggregated subscriber interest. *hub.Hub implements it.
type DemandSource interface {
	Demand() map[obd.PID]time.Duration
	Wake() <-chan struct{}
}

type Scheduler struct {
	session Querier
	cache   *cache.Cache
	demand  DemandSource
	tick    time.Duration
	log     *slog.Logger

	// onDegraded reports degradation transitions to the link supervisor.
	onDegraded func(bool)

	// supported is the vehicle's advertised PID set from the init probe;
	// nil means unknown (poll everything, learn from NO DATA).
	supported map[obd.PID]bool

	answered    map[obd.PID]bool // got any decodable reply or NO DATA
	unsupported map[obd.PID]bool
	streak      map[obd.PID]int // consecutive timeouts per PID
	degraded    bool
}

type Config struct {
	Session    Querier
	Cache      *cache.Cache
	Demand     DemandSource
	Tick       time.Duration
	Supported  map[obd.PID]bool
	OnDegraded func(bool)
	Logger     *slog.Logger
}

func New(cfg Config) *Scheduler {
	l := cfg.Logger
	if l == nil {
		l = logging.L()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 50 * time.Millisecond
	}
	onDeg := cfg.OnDegraded
	if onDeg == nil {
		onDeg = func(bool) {}
	}
	return &Scheduler{
		session:     cfg.Session,
		cache:       cfg.Cache,
		demand:      cfg.Demand,
		tick:        cfg.Tick,
		log:         l,
		onDegraded:  onDeg,
		supported:   cfg.Supported,
		answered:    make(map[obd.PID]bool),
		unsupported: make(map[obd.PID]bool),
		streak:      make(map[obd.PID]int),
	}
}

// Run polls until the context is cancelled or the link fails. A link failure
// is returned to the supervisor; timeouts and decode errors are absorbed as
// invalid readings and never end the session.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		due := s.dueSet(time.Now())
		if len(due) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			case <-s.demand.Wake():
			}
			continue
		}
		for _, p := range due {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := s.pollOne(p); err != nil {
				return err
			}
		}
	}
}

// dueSet returns the demanded PIDs whose reading age meets their interval,
// stalest first so worst-case staleness stays bounded fairly across cadences.
func (s *Scheduler) dueSet(now time.Time) []obd.PID {
	demand := s.demand.Demand()
	type cand struct {
		p     obd.PID
		age   time.Duration
		never bool
	}
	due := make([]cand, 0, len(demand))
	for p, interval := range demand {
		if s.unsupported[p] {
			continue
		}
		if s.supported != nil && !s.supported[p] {
			continue // vehicle does not advertise it
		}
		if _, ok := obd.Lookup(p); !ok {
			continue
		}
		r, ok := s.cache.Get(p)
		if !ok {
			due = append(due, cand{p: p, never: true})
			continue
		}
		if age := now.Sub(r.Time); age >= interval {
			due = append(due, cand{p: p, age: age})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].never != due[j].never {
			return due[i].never
		}
		return due[i].age > due[j].age
	})
	out := make([]obd.PID, len(due))
	for i, c := range due {
		out[i] = c.p
	}
	return out
}

// pollOne issues one request and folds the outcome into cache and link
// health. Only transport failures are returned.
func (s *Scheduler) pollOne(p obd.PID) error {
	now := time.Now()
	r, err := s.session.Query(p, now)
	switch {
	case err == nil:
		s.cache.Put(r)
		metrics.IncReadingValid()
		s.replyReceived(p)

	case errors.Is(err, elm.ErrNoData):
		s.cache.Put(r)
		metrics.IncReadingInvalid()
		if !s.answered[p] && s.supported == nil {
			// First reply ever for this PID says unavailable and the probe
			// gave us nothing better: stop asking for the session.
			s.unsupported[p] = true
			metrics.IncUnsupportedPID()
			s.log.Info("pid_unsupported", "pid", p.String())
		}
		s.replyReceived(p)

	case errors.Is(err, obd.ErrDecode):
		s.cache.Put(r)
		metrics.IncReadingInvalid()
		metrics.IncError(metrics.ErrDecodeLabel)
		s.log.Warn("poll_decode_error", "pid", p.String(), "error", err)
		s.replyReceived(p)

	case errors.Is(err, obd.ErrLinkTimeout):
		s.cache.Put(r)
		metrics.IncPollTimeout()
		metrics.IncReadingInvalid()
		s.streak[p]++
		s.log.Warn("poll_timeout", "pid", p.String(), "consecutive", s.streak[p])
		if s.streak[p] >= degradeThreshold && !s.degraded {
			s.degraded = true
			s.onDegraded(true)
		}

	default:
		// Transport failure: hand the session back to the supervisor.
		return err
	}
	return nil
}

// replyReceived records that the adapter answered: the PID's timeout streak
// resets and any Degraded condition clears.
func (s *Scheduler) replyReceived(p obd.PID) {
	s.answered[p] = true
	delete(s.streak, p)
	if s.degraded {
		s.degraded = false
		s.onDegraded(false)
	}
}
