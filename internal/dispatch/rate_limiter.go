package dispatch

import (
	"sync"
	"time"
)

const (
	eventsPerWindow = 100
	windowLength    = time.Minute
	staleAfter      = 5 * time.Minute
)

// RateLimiter caps inbound events per user with a per-minute window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
	}
}

// Allow reports whether userID may send another event in the current window.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	w, ok := rl.clients[userID]
	if !ok || now.Sub(w.windowStart) >= windowLength {
		rl.clients[userID] = &clientWindow{count: 1, windowStart: now}
		return true
	}

	if w.count >= eventsPerWindow {
		return false
	}
	w.count++
	return true
}

// Cleanup drops windows idle long enough that they can no longer influence
// a decision. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for userID, w := range rl.clients {
		if now.Sub(w.windowStart) > staleAfter {
			delete(rl.clients, userID)
		}
	}
}
