package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Rolling window widths.
const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
	sweepEvery   = time.Hour
)

// Fingerprint identifies a caller by IP and user agent. Hashing keeps the
// limiter's memory bounded and avoids storing raw addresses.
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + ":" + userAgent))
	return hex.EncodeToString(sum[:])[:16]
}

// RateLimiter enforces per-minute and per-day rolling windows per caller
// fingerprint. One mutex guards the whole table; the hot path is a slice
// prune and two counts.
type RateLimiter struct {
	mu      sync.Mutex
	perMin  int
	perDay  int
	history map[string][]time.Time
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimiter builds a limiter with the given window quotas.
func NewRateLimiter(perMin, perDay int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		perMin:  perMin,
		perDay:  perDay,
		history: make(map[string][]time.Time),
		logger:  logger,
		now:     time.Now,
	}
}

// Allow records one request attempt for the fingerprint and reports
// whether it is within quota. When denied, retryAfter is a bounded hint
// for the Retry-After header.
func (rl *RateLimiter) Allow(fingerprint string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hist := pruneBefore(rl.history[fingerprint], now.Add(-dayWindow))

	if len(hist) >= rl.perDay {
		rl.history[fingerprint] = hist
		return false, minuteWindow
	}

	minuteCount := 0
	var oldestInMinute time.Time
	for i := len(hist) - 1; i >= 0; i-- {
		if now.Sub(hist[i]) >= minuteWindow {
			break
		}
		minuteCount++
		oldestInMinute = hist[i]
	}
	if minuteCount >= rl.perMin {
		rl.history[fingerprint] = hist
		wait := minuteWindow - now.Sub(oldestInMinute)
		if wait < time.Second {
			wait = time.Second
		}
		if wait > minuteWindow {
			wait = minuteWindow
		}
		return false, wait
	}

	rl.history[fingerprint] = append(hist, now)
	return true, 0
}

// Reset clears one fingerprint, or the whole table when fingerprint is
// empty. Admin-only.
func (rl *RateLimiter) Reset(fingerprint string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if fingerprint == "" {
		n := len(rl.history)
		rl.history = make(map[string][]time.Time)
		return n
	}
	if _, ok := rl.history[fingerprint]; !ok {
		return 0
	}
	delete(rl.history, fingerprint)
	return 1
}

// Run sweeps idle fingerprints until the context ends. Entries with no
// request inside the day window are dropped.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-dayWindow)
	removed := 0
	for fp, hist := range rl.history {
		hist = pruneBefore(hist, cutoff)
		if len(hist) == 0 {
			delete(rl.history, fp)
			removed++
			continue
		}
		rl.history[fp] = hist
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter sweep", zap.Int("removed", removed))
	}
}

// pruneBefore drops timestamps older than cutoff. History is
// append-ordered, so a single scan finds the boundary.
func pruneBefore(hist []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hist) && hist[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return hist
	}
	return append([]time.Time(nil), hist[idx:]...)
}
