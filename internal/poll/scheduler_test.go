package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carhud/obdtelemetry/internal/cache"
	"github.com/carhud/obdtelemetry/internal/elm"
	"github.com/carhud/obdtelemetry/internal/obd"
)

type fakeDemand struct {
	m    map[obd.PID]time.Duration
	wake chan struct{}
}

func (f *fakeDemand) Demand() map[obd.PID]time.Duration { return f.m }
func (f *fakeDemand) Wake() <-chan struct{}             { return f.wake }

type fakeSession struct {
	fn func(p obd.PID, now time.Time) (obd.Reading, error)
}

func (f *fakeSession) Query(p obd.PID, now time.Time) (obd.Reading, error) { return f.fn(p, now) }

func demandOf(pids ...obd.PID) *fakeDemand {
	m := make(map[obd.PID]time.Duration)
	for _, p := range pids {
		m[p] = 10 * time.Millisecond
	}
	return &fakeDemand{m: m, wake: make(chan struct{}, 1)}
}

func newTestScheduler(c *cache.Cache, d DemandSource, q Querier, supported map[obd.PID]bool, onDeg func(bool)) *Scheduler {
	return New(Config{
		Session:    q,
		Cache:      c,
		Demand:     d,
		Tick:       time.Millisecond,
		Supported:  supported,
		OnDegraded: onDeg,
	})
}

func TestTimeoutRecordsInvalidReadingAndDegrades(t *testing.T) {
	c := cache.New()
	var transitions []bool
	q := &fakeSession{fn: func(p obd.PID, now time.Time) (obd.Reading, error) {
		return elm.Invalid(p, now), obd.ErrLinkTimeout
	}}
	s := newTestScheduler(c, demandOf(obd.PIDCoolantTemp), q, nil, func(d bool) { transitions = append(transitions, d) })

	for i := 0; i < 3; i++ {
		if err := s.pollOne(obd.PIDCoolantTemp); err != nil {
			t.Fatalf("timeout must not end the session: %v", err)
		}
	}
	r, ok := c.Get(obd.PIDCoolantTemp)
	if !ok || r.Valid {
		t.Fatalf("expected invalid cached entry, got %+v ok=%v", r, ok)
	}
	if r.Time.IsZero() {
		t.Fatalf("invalid entry must carry attempt timestamp")
	}
	if len(transitions) != 1 || !transitions[0] {
		t.Fatalf("expected single degrade escalation after 3 timeouts, got %v", transitions)
	}

	// A successful reply clears Degraded.
	q.fn = func(p obd.PID, now time.Time) (obd.Reading, error) {
		return obd.Reading{PID: p, Value: 83, Unit: "°C", Time: now, Valid: true}, nil
	}
	if err := s.pollOne(obd.PIDCoolantTemp); err != nil {
		t.Fatalf("pollOne: %v", err)
	}
	if len(transitions) != 2 || transitions[1] {
		t.Fatalf("expected degrade cleared on success, got %v", transitions)
	}
}

func TestNoDataOnFirstReplyBlacklistsPID(t *testing.T) {
	c := cache.New()
	q := &fakeSession{fn: func(p obd.PID, now time.Time) (obd.Reading, error) {
		return elm.Invalid(p, now), elm.ErrNoData
	}}
	s := newTestScheduler(c, demandOf(obd.PIDOilTemp), q, nil, nil)

	if err := s.pollOne(obd.PIDOilTemp); err != nil {
		t.Fatalf("pollOne: %v", err)
	}
	if !s.unsupported[obd.PIDOilTemp] {
		t.Fatalf("first NO DATA should blacklist the PID for the session")
	}
	if got := s.dueSet(time.Now().Add(time.Second)); len(got) != 0 {
		t.Fatalf("unsupported PID still due: %v", got)
	}
}

func TestNoDataOnAdvertisedPIDIsTransient(t *testing.T) {
	c := cache.New()
	supported := map[obd.PID]bool{obd.PIDCoolantTemp: true}
	calls := 0
	q := &fakeSession{fn: func(p obd.PID, now time.Time) (obd.Reading, error) {
		calls++
		if calls == 1 {
			return elm.Invalid(p, now), elm.ErrNoData
		}
		return obd.Reading{PID: p, Value: 83, Unit: "°C", Time: now, Valid: true}, nil
	}}
	s := newTestScheduler(c, demandOf(obd.PIDCoolantTemp), q, supported, nil)

	if err := s.pollOne(obd.PIDCoolantTemp); err != nil {
		t.Fatalf("pollOne: %v", err)
	}
	r, _ := c.Get(obd.PIDCoolantTemp)
	if r.Valid {
		t.Fatalf("NO DATA should cache an invalid entry")
	}
	if s.unsupported[obd.PIDCoolantTemp] {
		t.Fatalf("advertised PID must not be blacklisted on transient NO DATA")
	}
	due := s.dueSet(time.Now().Add(time.Second))
	if len(due) != 1 || due[0] != obd.PIDCoolantTemp {
		t.Fatalf("advertised PID dropped from due set after NO DATA: %v", due)
	}
	if err := s.pollOne(obd.PIDCoolantTemp); err != nil {
		t.Fatalf("pollOne: %v", err)
	}
	r, _ = c.Get(obd.PIDCoolantTemp)
	if !r.Valid || r.Value != 83 {
		t.Fatalf("successful reply did not overwrite invalid entry: %+v", r)
	}
}

func TestDecodeErrorDoesNotStopSession(t *testing.T) {
	c := cache.New()
	q := &fakeSession{fn: func(p obd.PID, now time.Time) (obd.Reading, error) {
		if p == obd.PIDCoolantTemp {
			return elm.Invalid(p, now), obd.ErrDecode
		}
		return obd.Reading{PID: p, Value: 60, Unit: "km/h", Time: now, Valid: true}, nil
	}}
	s := newTestScheduler(c, demandOf(obd.PIDCoolantTemp, obd.PIDVehicleSpeed), q, nil, nil)

	for _, p := range s.dueSet(time.Now()) {
		if err := s.pollOne(p); err != nil {
			t.Fatalf("decode error ended session: %v", err)
		}
	}
	if r, ok := c.Get(obd.PIDVehicleSpeed); !ok || !r.Valid {
		t.Fatalf("next PID not attempted after decode error")
	}
}

func TestDueSetStalestFirst(t *testing.T) {
	c := cache.New()
	now := time.Now()
	c.Put(obd.Reading{PID: obd.PIDCoolantTemp, Time: now.Add(-time.Second), Valid: true})
	c.Put(obd.Reading{PID: obd.PIDVehicleSpeed, Time: now.Add(-3 * time.Second), Valid: true})
	s := newTestScheduler(c, demandOf(obd.PIDCoolantTemp, obd.PIDVehicleSpeed, obd.PIDEngineRPM), nil, nil, nil)

	got := s.dueSet(now)
	if len(got) != 3 {
		t.Fatalf("due = %v", got)
	}
	if got[0] != obd.PIDEngineRPM {
		t.Fatalf("never-read PID should poll first, got %v", got)
	}
	if got[1] != obd.PIDVehicleSpeed || got[2] != obd.PIDCoolantTemp {
		t.Fatalf("expected stalest-first ordering, got %v", got)
	}
}

func TestDueSetHonorsInterval(t *testing.T) {
	c := cache.New()
	now := time.Now()
	c.Put(obd.Reading{PID: obd.PIDCoolantTemp, Time: now, Valid: true})
	d := &fakeDemand{m: map[obd.PID]time.Duration{obd.PIDCoolantTemp: time.Second}, wake: make(chan struct{}, 1)}
	s := newTestScheduler(c, d, nil, nil, nil)

	if got := s.dueSet(now.Add(500 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("fresh reading polled early: %v", got)
	}
	if got := s.dueSet(now.Add(time.Second)); len(got) != 1 {
		t.Fatalf("stale reading not due: %v", got)
	}
}

func TestLinkErrorEndsRun(t *testing.T) {
	c := cache.New()
	q := &fakeSession{fn: func(p obd.PID, now time.Time) (obd.Reading, error) {
		return elm.Invalid(p, now), obd.ErrLink
	}}
	s := newTestScheduler(c, demandOf(obd.PIDCoolantTemp), q, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, obd.ErrLink) {
		t.Fatalf("Run = %v, want ErrLink", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := cache.New()
	q := &fakeSession{fn: func(p obd.PID, now time.Time) (obd.Reading, error) {
		return obd.Reading{PID: p, Value: 1, Time: now, Valid: true}, nil
	}}
	s := newTestScheduler(c, demandOf(obd.PIDCoolantTemp), q, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
