// Package ident issues 64-bit monotonically increasing ids with a
// snowflake layout: 41-bit millisecond timestamp, 5-bit datacenter,
// 5-bit worker, 12-bit per-millisecond sequence.
package ident

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClockMovedBackwards is returned when the wall clock regresses past the
// timestamp of the last issued id. The caller decides retry policy.
var ErrClockMovedBackwards = errors.New("ident: clock moved backwards")

const (
	// Custom epoch: 2024-01-01T00:00:00Z in milliseconds.
	epochMillis int64 = 1704067200000

	datacenterBits = 5
	workerBits     = 5
	sequenceBits   = 12

	maxDatacenter = (1 << datacenterBits) - 1
	maxWorker     = (1 << workerBits) - 1
	sequenceMask  = (1 << sequenceBits) - 1

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits
)

// Generator issues ids. Safe for concurrent use.
type Generator struct {
	mu         sync.Mutex
	datacenter int64
	worker     int64
	lastMillis int64
	sequence   int64

	now func() int64 // injectable for tests, returns unix millis
}

// NewGenerator validates the datacenter/worker ids and returns a Generator.
func NewGenerator(datacenter, worker int64) (*Generator, error) {
	if datacenter < 0 || datacenter > maxDatacenter {
		return nil, fmt.Errorf("ident: datacenter id %d out of range [0,%d]", datacenter, maxDatacenter)
	}
	if worker < 0 || worker > maxWorker {
		return nil, fmt.Errorf("ident: worker id %d out of range [0,%d]", worker, maxWorker)
	}
	return &Generator{
		datacenter: datacenter,
		worker:     worker,
		lastMillis: -1,
		now:        func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next returns the next id. If the per-millisecond sequence overflows it
// spins to the next millisecond; if the clock regressed it fails with
// ErrClockMovedBackwards.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastMillis {
		return 0, fmt.Errorf("%w: last=%d now=%d", ErrClockMovedBackwards, g.lastMillis, ts)
	}

	if ts == g.lastMillis {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// Sequence exhausted for this millisecond, spin to the next one.
			for ts <= g.lastMillis {
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMillis = ts

	id := (ts-epochMillis)<<timestampShift |
		g.datacenter<<datacenterShift |
		g.worker<<workerShift |
		g.sequence
	return id, nil
}

// MustNext is Next for contexts where clock regression is fatal anyway.
func (g *Generator) MustNext() int64 {
	id, err := g.Next()
	if err != nil {
		panic(err)
	}
	return id
}
