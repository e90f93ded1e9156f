package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/puter-bridge/internal/config"
)

const (
	defaultClientRPM   = 120
	defaultClientBurst = 20
)

// bucket is a token bucket refilled continuously at rate tokens/second.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	updated  time.Time
	seen     time.Time
}

func newBucket(perMinute, burst int, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(burst),
		capacity: float64(burst),
		rate:     float64(perMinute) / 60,
		updated:  now,
		seen:     now,
	}
}

// take spends one token. On refusal it reports the time until a token is
// available.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dt := now.Sub(b.updated).Seconds(); dt > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+dt*b.rate)
		b.updated = now
	}
	b.seen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

func (b *bucket) lastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen
}

// ClientLimiter gives every local client its own bucket, keyed by API key
// or else remote host, so one runaway tool cannot drain every account's
// upstream quota.
type ClientLimiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket
}

func NewClientLimiter(cfg config.RateLimitConfig) *ClientLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultClientRPM
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = defaultClientBurst
	}
	return &ClientLimiter{cfg: cfg, now: time.Now, clients: map[string]*bucket{}}
}

// RunEviction forgets idle clients every interval until ctx is done.
func (l *ClientLimiter) RunEviction(ctx context.Context, interval, idle time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Evict(idle)
			}
		}
	}()
}

// Evict drops clients not seen within idle and returns how many went.
func (l *ClientLimiter) Evict(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.clients {
		if b.lastSeen().Before(cutoff) {
			delete(l.clients, key)
			n++
		}
	}
	if n > 0 {
		slog.Debug("client limiter evicted idle clients", "evicted", n, "tracked", len(l.clients))
	}
	return n
}

func (l *ClientLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Wrap throttles next. /healthz is never limited.
func (l *ClientLimiter) Wrap(next http.Handler) http.Handler {
	if !l.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			if ok, wait := l.client(clientKey(r)).take(l.now()); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(max(int(math.Ceil(wait.Seconds())), 1)))
				writeProtocolError(w, r, http.StatusTooManyRequests, "local_rate_limit", "local gateway rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ClientLimiter) client(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.clients[key]
	if !ok {
		b = newBucket(l.cfg.RequestsPerMinute, l.cfg.BurstSize, l.now())
		l.clients[key] = b
	}
	return b
}

func clientKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
