package auth

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig controls the uniform-response-time delay on login paths.
type TimingConfig struct {
	BaseDelayMs    int  // minimum response time in milliseconds
	RandomDelayMs  int  // extra jitter range in milliseconds
	DelayOnSuccess bool // pad successful logins too
}

// TimingDelay pads authentication responses so "unknown identifier", "wrong
// password", and "locked" take indistinguishable time from the outside.
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a TimingDelay.
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config}
}

// WaitFrom sleeps until at least the target delay has elapsed since start.
// Work already done (directory lookup, hash comparison) counts toward it.
func (td *TimingDelay) WaitFrom(start time.Time, succeeded bool) {
	if succeeded && !td.config.DelayOnSuccess {
		return
	}

	target := time.Duration(td.config.BaseDelayMs) * time.Millisecond
	if td.config.RandomDelayMs > 0 {
		target += time.Duration(secureIntn(td.config.RandomDelayMs)) * time.Millisecond
	}

	if elapsed := time.Since(start); elapsed < target {
		time.Sleep(target - elapsed)
	}
}

// secureIntn returns a random int in [0, max) from crypto/rand. Falls back to
// zero on entropy failure; the base delay still applies.
func secureIntn(max int) int {
	if max <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(max))
}
