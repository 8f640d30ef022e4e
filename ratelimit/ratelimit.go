package ratelimit

import (
	"sync"
	"time"
)

// Window is the trailing interval over which admitted messages are counted.
const Window = time.Second

// Limiter is a per-client sliding window admission control. It knows
// nothing about rooms or the protocol: callers ask Allow before processing
// a message and are responsible for telling the client about rejections.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	history map[string][]time.Time
}

// New creates a limiter admitting at most max messages per client within
// the trailing Window.
func New(max int) *Limiter {
	return &Limiter{
		max:     max,
		window:  Window,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Allow reports whether one more message from clientID fits into the
// window. Rejected attempts are not recorded.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	attempts := l.history[clientID]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= l.max {
		l.history[clientID] = fresh
		return false
	}

	l.history[clientID] = append(fresh, now)
	return true
}

// Remove drops the window for clientID, called on disconnect.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, clientID)
}

// Cleanup purges windows that have fully decayed. It bounds memory for
// abandoned client ids whose Remove was never called and is safe to run
// any number of times.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Add(-l.window)
	for id, attempts := range l.history {
		live := false
		for _, t := range attempts {
			if t.After(windowStart) {
				live = true
				break
			}
		}
		if !live {
			delete(l.history, id)
		}
	}
}
