// Package clock provides the production raft.Clock collaborator, backed
// by the wall clock and a process-local random source.
package clock

import (
	"math/rand"
	"time"
)

// System is the production Clock: Now reports real elapsed milliseconds
// since process start (monotonic, via time.Since), and RandomIn draws
// from a private rand.Rand so election timeout jitter doesn't contend
// with any other package's use of the global source.
type System struct {
	start time.Time
	rnd   *rand.Rand
}

// New returns a ready-to-use System clock.
func New() *System {
	return &System{
		start: time.Now(),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Now returns milliseconds elapsed since the clock was created.
func (s *System) Now() uint64 {
	return uint64(time.Since(s.start).Milliseconds())
}

// RandomIn returns a value in [min, max). If max <= min it returns min.
func (s *System) RandomIn(min, max uint64) uint64 {
	if max <= min {
		return min
	}
	return min + uint64(s.rnd.Int63n(int64(max-min)))
}
