// Package hub fans cached readings out to dashboard subscribers. Each
// subscription runs its own delivery timer so a slow consumer can never
// stall the poll loop or another subscriber.
package hub

import (
	"sync"
	"time"

	"github.com/carhud/obdtelemetry/internal/cache"
	"github.com/carhud/obdtelemetry/internal/logging"
	"github.com/carhud/obdtelemetry/internal/metrics"
	"github.com/carhud/obdtelemetry/internal/obd"
)

// Batch is one delivery to a subscriber. LinkClosed marks the terminal batch
// sent when the engine shuts down; Out is closed right after it.
type Batch struct {
	Readings   map[obd.PID]obd.Reading
	LinkClosed bool
}

// Subscription is one consumer's registration. Out carries reading batches;
// it is closed when the subscription ends (unsubscribe or engine shutdown).
type Subscription struct {
	Out    chan Batch
	Closed chan struct{}

	pids      []obd.PID
	interval  time.Duration
	term      chan struct{}
	closeOnce sync.Once
	termOnce  sync.Once
}

// PIDs returns a copy of the subscribed PID set.
func (s *Subscription) PIDs() []obd.PID {
	out := make([]obd.PID, len(s.pids))
	copy(out, s.pids)
	return out
}

// Interval returns the requested refresh interval.
func (s *Subscription) Interval() time.Duration { return s.interval }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.Closed) })
}

func (s *Subscription) terminate() {
	s.termOnce.Do(func() { close(s.term) })
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	cache  *cache.Cache
	wake   chan struct{}
	wg     sync.WaitGroup
	closed bool

	// OutBufSize is the per-subscription delivery buffer (batches).
	OutBufSize int
}

// New creates a Hub reading from c.
func New(c *cache.Cache) *Hub {
	return &Hub{
		subs:       make(map[*Subscription]struct{}),
		cache:      c,
		wake:       make(chan struct{}, 1),
		OutBufSize: 8,
	}
}

// Subscribe registers interest in pids at the given refresh interval and
// starts the delivery loop for it.
func (h *Hub) Subscribe(pids []obd.PID, interval time.Duration) *Subscription {
	sub := &Subscription{
		Out:      make(chan Batch, h.OutBufSize),
		Closed:   make(chan struct{}),
		term:     make(chan struct{}),
		pids:     append([]obd.PID(nil), pids...),
		interval: interval,
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		close(sub.Out)
		return sub
	}
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetSubscriptions(n)
	h.poke()
	h.wg.Add(1)
	go h.deliver(sub)
	return sub
}

// Unsubscribe removes sub; delivery to it stops within one tick and its Out
// channel is closed. Safe to call multiple times.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, existed := h.subs[sub]
	if existed {
		delete(h.subs, sub)
	}
	n := len(h.subs)
	h.mu.Unlock()
	sub.close()
	if existed {
		metrics.SetSubscriptions(n)
		h.poke()
	}
}

// Shutdown pushes a terminal link-closed batch to every subscriber and ends
// all deliveries. The hub accepts no new subscriptions afterwards.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()
	for _, s := range subs {
		s.terminate()
	}
	h.wg.Wait()
	metrics.SetSubscriptions(0)
	if len(subs) > 0 {
		logging.L().Info("subscribers_notified_closed", "count", len(subs))
	}
}

// Demand aggregates subscriber interest: the minimum requested interval per
// PID across all active subscriptions. The poll scheduler derives its due
// set from this.
func (h *Hub) Demand() map[obd.PID]time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[obd.PID]time.Duration)
	for sub := range h.subs {
		for _, p := range sub.pids {
			if cur, ok := out[p]; !ok || sub.interval < cur {
				out[p] = sub.interval
			}
		}
	}
	return out
}

// Wake signals the scheduler that the demand set changed.
func (h *Hub) Wake() <-chan struct{} { return h.wake }

func (h *Hub) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.subs); h.mu.RUnlock(); return n }

// deliver is the per-subscription loop: each tick it snapshots the cache and
// pushes the PIDs whose reading changed since the last push or whose interval
// has elapsed. Pushes never block; a full consumer buffer drops the batch.
func (h *Hub) deliver(sub *Subscription) {
	defer h.wg.Done()
	defer close(sub.Out)
	t := time.NewTicker(sub.interval)
	defer t.Stop()
	lastSeen := make(map[obd.PID]time.Time) // reading timestamp last pushed
	lastPush := make(map[obd.PID]time.Time)
	for {
		select {
		case <-sub.Closed:
			return
		case <-sub.term:
			// Terminal delivery is best-effort like any other push.
			select {
			case sub.Out <- Batch{LinkClosed: true}:
			default:
				metrics.IncDropped()
			}
			sub.close()
			return
		case <-t.C:
		}

		now := time.Now()
		snap := h.cache.Snapshot(sub.pids)
		batch := Batch{Readings: make(map[obd.PID]obd.Reading, len(snap))}
		for p, r := range snap {
			seen, pushed := lastSeen[p]
			if pushed && r.Time.Equal(seen) && now.Sub(lastPush[p]) < sub.interval {
				continue // unchanged and not yet due again
			}
			batch.Readings[p] = r
		}
		if len(batch.Readings) == 0 {
			continue
		}
		select {
		case sub.Out <- batch:
			metrics.IncDelivered()
			for p, r := range batch.Readings {
				lastSeen[p] = r.Time
				lastPush[p] = now
			}
		case <-sub.Closed:
			return
		default:
			metrics.IncDropped()
		}
	}
}
