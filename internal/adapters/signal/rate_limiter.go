package signal

import (
	"sync"
	"time"

	"github.com/dkeye/phcsync/internal/core"
	"github.com/jonboulle/clockwork"
)

// UpdateLimiter is a sliding-window limit on update events per connection.
type UpdateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	history  map[core.ConnID][]time.Time
	limit    int
	interval time.Duration
}

// NewUpdateLimiter returns a limiter allowing limit events per interval.
// A non-positive limit or interval allows everything.
func NewUpdateLimiter(clock clockwork.Clock, limit int, interval time.Duration) *UpdateLimiter {
	return &UpdateLimiter{
		clock:    clock,
		history:  make(map[core.ConnID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *UpdateLimiter) Allow(id core.ConnID) bool {
	if rl.limit <= 0 || rl.interval <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

// Forget drops the history of a closed connection.
func (rl *UpdateLimiter) Forget(id core.ConnID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
