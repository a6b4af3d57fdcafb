package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter provides DoS protection on the upgrade path.
//
// Two-level rate limiting:
//   - Per-IP: prevents a single IP from flooding connections
//   - Global: prevents system-wide overload from distributed attempts
//
// Token bucket algorithm via golang.org/x/time/rate.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate
// limiting. Zero values fall back to defaults.
type ConnectionRateLimiterConfig struct {
	IPBurst int     // Max burst connections per IP (default: 10)
	IPRate  float64 // Sustained connections/sec per IP (default: 1.0)
	IPTTL   time.Duration

	GlobalBurst int     // Max burst connections system-wide (default: 300)
	GlobalRate  float64 // Sustained connections/sec system-wide (default: 50.0)

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a connection rate limiter and starts its
// stale-IP cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	limiter := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	limiter.cleanupTicker = time.NewTicker(time.Minute)
	go limiter.cleanupLoop()

	return limiter
}

// Allow reports whether a connection attempt from the given IP may proceed.
// Global limit is checked first, then per-IP.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	entry, exists := crl.ipLimiters[ip]
	if exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup removes IP limiters that have not been touched within the TTL.
func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// Stop terminates the cleanup goroutine. Call during shutdown.
func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stopCleanup)
}
