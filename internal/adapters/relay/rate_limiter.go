package relay

import (
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/core"
)

// ChatRateLimiter is a sliding window per session. A zero limit allows
// everything.
type ChatRateLimiter struct {
	mu       sync.Mutex
	history  map[core.SessionID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewChatRateLimiter(limit int, interval time.Duration) *ChatRateLimiter {
	return &ChatRateLimiter{
		history:  make(map[core.SessionID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ChatRateLimiter) Allow(sid core.SessionID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sid]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}
	rl.history[sid] = append(fresh, now)
	return true
}

// Forget drops the history of a departed session.
func (rl *ChatRateLimiter) Forget(sid core.SessionID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, sid)
}
