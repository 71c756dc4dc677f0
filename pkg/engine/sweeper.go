package engine

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// SweepInterval is how often expired messages are purged.
const SweepInterval = 5000 * time.Millisecond

// Sweeper calls fire every interval on clk until stopped. It runs whether or
// not any transport is connected.
type Sweeper struct {
	clk      mclock.Clock
	interval time.Duration
	fire     func()

	mu      sync.Mutex
	timer   mclock.Timer
	stopped bool
}

func NewSweeper(clk mclock.Clock, interval time.Duration, fire func()) *Sweeper {
	if interval <= 0 {
		interval = SweepInterval
	}
	return &Sweeper{clk: clk, interval: interval, fire: fire}
}

// Start arms the first timer. Calling Start on a running or stopped sweeper
// does nothing.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return
	}
	s.timer = s.clk.AfterFunc(s.interval, s.tick)
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.fire()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.timer = s.clk.AfterFunc(s.interval, s.tick)
	}
}

// Stop cancels the pending timer. A firing already in progress completes
// but does not reschedule.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
