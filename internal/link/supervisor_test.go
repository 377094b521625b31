package link

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carhud/obdtelemetry/internal/elm"
	"github.com/carhud/obdtelemetry/internal/obd"
	"github.com/carhud/obdtelemetry/internal/transport"
)

// fakeAdapter answers the init handshake like a well-behaved ELM327 clone.
type fakeAdapter struct {
	queue []byte
}

func (l *fakeAdapter) Send(p []byte) error {
	cmd := strings.TrimSuffix(string(p), "\r")
	resp := "OK"
	switch cmd {
	case "ATZ":
		resp = "ELM327 v1.5"
	case "ATRV":
		resp = "12.4V"
	case "ATDPN":
		resp = "A6"
	case "0100":
		resp = "41 00 BE 1F A8 10"
	}
	l.queue = append(l.queue, []byte(resp+"\r>")...)
	return nil
}

func (l *fakeAdapter) Receive(p []byte, deadline time.Time) (int, error) {
	if len(l.queue) == 0 {
		return 0, obd.ErrLinkTimeout
	}
	n := copy(p, l.queue)
	l.queue = l.queue[n:]
	return n, nil
}

func (l *fakeAdapter) Close() error { return nil }

func TestSupervisorBackoffProgression(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	prev := sleepCtx
	sleepCtx = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}
	defer func() { sleepCtx = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := 0
	open := func() (transport.Link, error) {
		attempts++
		if attempts <= 2 {
			return nil, obd.ErrLink
		}
		return &fakeAdapter{}, nil
	}
	sessionRan := make(chan elm.Info, 1)
	sup := New(Config{
		Open:           open,
		RespTimeout:    100 * time.Millisecond,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Jitter:         -1, // deterministic delays for the progression check
		Session: func(ctx context.Context, sess *elm.Session, info elm.Info) error {
			sessionRan <- info
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	})
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	select {
	case info := <-sessionRan:
		if info.Protocol != "A6" {
			t.Fatalf("session info = %+v", info)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("session never started")
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoff delays, got %v", delays)
	}
	if delays[0] != 100*time.Millisecond {
		t.Fatalf("first delay = %v, want initial interval", delays[0])
	}
	if delays[1] <= delays[0] {
		t.Fatalf("delays must strictly increase: %v", delays)
	}
	if delays[1] > time.Second {
		t.Fatalf("delay exceeded cap: %v", delays[1])
	}
	if sup.State() != Disconnected {
		t.Fatalf("state after Run = %v", sup.State())
	}
}

func TestSupervisorReconnectsAfterSessionFailure(t *testing.T) {
	prev := sleepCtx
	sleepCtx = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	defer func() { sleepCtx = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := 0
	sup := New(Config{
		Open:        func() (transport.Link, error) { return &fakeAdapter{}, nil },
		RespTimeout: 100 * time.Millisecond,
		Session: func(ctx context.Context, sess *elm.Session, info elm.Info) error {
			sessions++
			if sessions >= 2 {
				cancel()
				return ctx.Err()
			}
			return obd.ErrLink // first session dies, supervisor must reconnect
		},
	})
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not reconnect")
	}
	if sessions != 2 {
		t.Fatalf("sessions = %d, want 2", sessions)
	}
}

func TestShortLivedSessionBacksOff(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	prev := sleepCtx
	sleepCtx = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err() == nil
	}
	defer func() { sleepCtx = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := 0
	sup := New(Config{
		Open:           func() (transport.Link, error) { return &fakeAdapter{}, nil },
		RespTimeout:    100 * time.Millisecond,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Jitter:         -1,
		Session: func(ctx context.Context, sess *elm.Session, info elm.Info) error {
			sessions++
			if sessions >= 3 {
				cancel()
				return ctx.Err()
			}
			// Init succeeded but the adapter dies immediately under polling.
			return obd.ErrLink
		},
	})
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("expected a backoff delay between each short-lived session, got %v", delays)
	}
	if delays[0] != 100*time.Millisecond {
		t.Fatalf("first delay = %v, want initial interval", delays[0])
	}
	if delays[1] <= delays[0] {
		t.Fatalf("repeated short sessions must escalate the delay: %v", delays)
	}
}

func TestSetDegradedTransitions(t *testing.T) {
	sup := New(Config{Open: func() (transport.Link, error) { return nil, errors.New("unused") }})
	sup.state.Store(int32(Connected))

	sup.SetDegraded(true)
	if sup.State() != Degraded {
		t.Fatalf("state = %v, want degraded", sup.State())
	}
	sup.SetDegraded(false)
	if sup.State() != Connected {
		t.Fatalf("state = %v, want connected", sup.State())
	}
	// Degraded must not resurrect a disconnected link.
	sup.state.Store(int32(Disconnected))
	sup.SetDegraded(true)
	if sup.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected", sup.State())
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Degraded:     "degraded",
	}
	for st, s := range want {
		if st.String() != s {
			t.Errorf("State(%d).String() = %q, want %q", st, st.String(), s)
		}
	}
}
