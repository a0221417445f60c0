package ident

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Generator produces opaque, globally unique IDs. The layout is
// <prefix>_<unixnano-hex><seq-hex>_<nonce> so lexicographic order
// approximates creation order; nothing relies on that for correctness.
type Generator struct {
	clock Clock
	seq   atomic.Uint64
}

// NewGenerator creates an ID generator backed by the given clock.
func NewGenerator(clock Clock) *Generator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Generator{clock: clock}
}

// New returns a fresh ID with the given prefix ("node", "thrd", "ckpt", ...).
func (g *Generator) New(prefix string) string {
	seq := g.seq.Add(1)
	nonce := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%016x%06x_%s", prefix, g.clock.Now().UnixNano(), seq&0xffffff, nonce)
}

// Clock exposes the generator's clock so owners share one time source.
func (g *Generator) Clock() Clock {
	return g.clock
}
