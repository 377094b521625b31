// Package cache holds the latest reading per PID. The poll loop is the single
// writer; the subscription hub and external callers read concurrently. No
// eviction: cardinality is bounded by the PID table.
package cache

import (
	"sync"
	"time"

	"github.com/carhud/obdtelemetry/internal/obd"
)

type Cache struct {
	mu sync.RWMutex
	m  map[obd.PID]obd.Reading
}

func New() *Cache {
	return &Cache{m: make(map[obd.PID]obd.Reading)}
}

// Get returns the current reading for p, if any.
func (c *Cache) Get(p obd.PID) (obd.Reading, bool) {
	c.mu.RLock()
	r, ok := c.m[p]
	c.mu.RUnlock()
	return r, ok
}

// Put stores r as the current reading for its PID. A reading older than the
// stored one is rejected so entries never move backwards in time; it reports
// whether the store happened.
func (c *Cache) Put(r obd.Reading) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[r.PID]; ok && r.Time.Before(cur.Time) {
		return false
	}
	c.m[r.PID] = r
	return true
}

// Since returns the PIDs whose reading was updated strictly after t.
func (c *Cache) Since(t time.Time) []obd.PID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []obd.PID
	for p, r := range c.m {
		if r.Time.After(t) {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot copies the current readings for the given PIDs. Missing PIDs are
// simply absent from the result.
func (c *Cache) Snapshot(pids []obd.PID) map[obd.PID]obd.Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[obd.PID]obd.Reading, len(pids))
	for _, p := range pids {
		if r, ok := c.m[p]; ok {
			out[p] = r
		}
	}
	return out
}

// Reset clears all readings; called on reconnect so the cache rebuilds from
// scratch and never carries values across link generations.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.m = make(map[obd.PID]obd.Reading)
	c.mu.Unlock()
}

// Len returns the number of cached PIDs.
func (c *Cache) Len() int {
	c.mu.RLock()
	n := len(c.m)
	c.mu.RUnlock()
	return n
}
