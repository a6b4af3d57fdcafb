package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestConnectionRateLimiterPerIP(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     3,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, crl.Allow("10.0.0.1"), "attempt %d within burst", i)
	}
	assert.False(t, crl.Allow("10.0.0.1"), "burst exhausted")

	// Other IPs are unaffected.
	assert.True(t, crl.Allow("10.0.0.2"))
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 2,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	assert.True(t, crl.Allow("10.0.0.1"))
	assert.True(t, crl.Allow("10.0.0.2"))
	assert.False(t, crl.Allow("10.0.0.3"), "global burst exhausted across IPs")
}

func TestConnectionRateLimiterCleanup(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPTTL:  time.Millisecond,
		Logger: zerolog.Nop(),
	})
	defer crl.Stop()

	crl.Allow("10.0.0.1")
	crl.Allow("10.0.0.2")

	time.Sleep(5 * time.Millisecond)
	crl.cleanup()

	crl.ipMu.Lock()
	remaining := len(crl.ipLimiters)
	crl.ipMu.Unlock()
	assert.Zero(t, remaining)
}
