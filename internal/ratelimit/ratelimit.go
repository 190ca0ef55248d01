package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate     float64
	burst    int
	tokens   float64
	lastSeen time.Time
	now      func() time.Time
	mu       sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastSeen: now(),
		now:      now,
	}
}

// Allow takes one token if available
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastSeen).Seconds() * l.rate
	l.lastSeen = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens < float64(n) {
		return false
	}
	l.tokens -= float64(n)
	return true
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}

// Keyed hands out one Limiter per key (client IP, session id) and forgets
// keys that stayed idle for longer than idleTTL.
type Keyed struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewKeyed(rate float64, burst int, idleTTL time.Duration) *Keyed {
	k := &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if idleTTL > 0 {
		go k.cleanup()
	}
	return k
}

func (k *Keyed) Get(key string) *Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	if l, ok := k.limiters[key]; ok {
		return l
	}
	l := newLimiter(k.rate, k.burst, k.now)
	k.limiters[key] = l
	return l
}

func (k *Keyed) Allow(key string) bool {
	return k.Get(key).Allow()
}

func (k *Keyed) Remove(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *Keyed) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
}

// Sweep drops limiters idle for longer than idleTTL and returns how many
func (k *Keyed) Sweep() int {
	cutoff := k.now().Add(-k.idleTTL)

	k.mu.Lock()
	defer k.mu.Unlock()

	dropped := 0
	for key, l := range k.limiters {
		if l.idleSince().Before(cutoff) {
			delete(k.limiters, key)
			dropped++
		}
	}
	return dropped
}

func (k *Keyed) cleanup() {
	ticker := time.NewTicker(k.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.Sweep()
		}
	}
}

// Middleware rejects requests with 429 once the client IP runs out of tokens
func (k *Keyed) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.Allow(ClientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP strips the port from the request's remote address
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
