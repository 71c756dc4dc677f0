// Package clock pairs a wall clock with a schedulable monotonic clock.
//
// Message liveness is a function of wall time (producer timestamps are unix
// seconds), while reconnect and sweep timers only need a scheduler. Both come
// from one Clock so tests can drive the whole feed from a virtual timeline.
package clock

import (
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

type Clock interface {
	mclock.Clock
	// Wall returns the current wall-clock time.
	Wall() time.Time
}

// System is the real clock.
type System struct {
	mclock.System
}

func (System) Wall() time.Time {
	return time.Now()
}

// Virtual is a simulated clock whose wall time is Epoch plus the virtual
// time elapsed. Advance it with Run.
type Virtual struct {
	*mclock.Simulated
	Epoch time.Time
}

func NewVirtual(epoch time.Time) *Virtual {
	return &Virtual{Simulated: new(mclock.Simulated), Epoch: epoch}
}

func (v *Virtual) Wall() time.Time {
	return v.Epoch.Add(time.Duration(v.Simulated.Now()))
}

// Unix converts t to fractional unix seconds, the unit used on the wire.
func Unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnix converts fractional unix seconds back to a time.
func FromUnix(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second)))
}
