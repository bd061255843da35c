// Package idgen produces process-wide monotonic, time-sortable identifiers.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Generator produces strictly increasing ULID strings. A single Generator
// must be shared by all callers that need ids to sort consistently (Event
// ids, EvolutionRecord ids); the underlying entropy source is not
// goroutine-safe on its own.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Generator seeded from crypto/rand.
func New() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next id in the sequence, guaranteed greater than any
// previously returned id from this Generator for identical timestamps.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return id.String()
}
