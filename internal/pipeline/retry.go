package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	mrand "math/rand"
	"time"

	"github.com/krai-tech/krai-engine/internal/config"
)

// RetryPolicy configures the hybrid retry engine.
type RetryPolicy struct {
	// MaxRetries bounds the attempt counter; attempt 0 is the first run.
	MaxRetries int
	// BaseDelay is the first backoff interval.
	BaseDelay time.Duration
	// Backoff multiplies the delay per attempt.
	Backoff float64
	// Jitter spreads each delay by ±Jitter fraction.
	Jitter float64
}

// DefaultRetryPolicy mirrors the pipeline configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Backoff:    2.0,
		Jitter:     0.2,
	}
}

// PolicyFromConfig builds a retry policy from pipeline configuration.
func PolicyFromConfig(cfg config.PipelineConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	return p
}

// Delay returns the backoff before retry attempt n (1-based), with jitter
// applied. The delay never goes negative.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay) * math.Pow(p.Backoff, float64(attempt-1))
	if p.Jitter > 0 {
		spread := base * p.Jitter
		base += (mrand.Float64()*2 - 1) * spread
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// NewRequestID returns an 8-hex-character run identifier.
func NewRequestID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a time-derived id so runs still correlate.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(buf)
}

// CorrelationID builds the per-attempt identifier threaded through logs,
// error rows, and metrics.
func CorrelationID(requestID string, stage Stage, attempt int) string {
	return fmt.Sprintf("%s.stage_%s.retry_%d", requestID, stage, attempt)
}
