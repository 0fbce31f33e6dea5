// Package retry provides the backoff policy value object used by
// service calls. The engine never retries handlers on its own;
// handlers and services opt in by consulting a Policy.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy selects how per-attempt delays grow.
type Strategy string

const (
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyConstant    Strategy = "constant"
)

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyLinear:
		return StrategyLinear, nil
	case StrategyExponential:
		return StrategyExponential, nil
	case StrategyFibonacci:
		return StrategyFibonacci, nil
	case StrategyConstant:
		return StrategyConstant, nil
	}
	return "", fmt.Errorf("unknown retry strategy %q", s)
}

// Policy is an immutable description of retry behavior. Attempt 0 means
// "the first try": CalculateDelay(0) is always zero.
type Policy struct {
	MaxAttempts    int
	InitialDelayMS int64
	MaxDelayMS     int64
	Strategy       Strategy
	BackoffFactor  float64
	Jitter         bool

	// JitterSeed makes jitter deterministic per call site. Empty seeds
	// still jitter, keyed on attempt alone.
	JitterSeed string
}

// Default returns the stock policy: three attempts, exponential
// 100 ms → 10 s, no jitter.
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialDelayMS: 100,
		MaxDelayMS:     10_000,
		Strategy:       StrategyExponential,
		BackoffFactor:  2,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0 (got %d)", p.MaxAttempts)
	}
	if p.MaxDelayMS < p.InitialDelayMS {
		return fmt.Errorf("max_delay_ms %d must be >= initial_delay_ms %d", p.MaxDelayMS, p.InitialDelayMS)
	}
	if p.BackoffFactor <= 0 {
		return fmt.Errorf("backoff_factor must be > 0 (got %g)", p.BackoffFactor)
	}
	return nil
}

// CalculateDelayMS returns the delay before the given attempt in
// milliseconds. Attempt 0 gets no delay. The result never exceeds
// MaxDelayMS, jitter included.
func (p Policy) CalculateDelayMS(attempt int) int64 {
	if attempt <= 0 {
		return 0
	}
	base := p.baseDelayMS(attempt)
	if base > p.MaxDelayMS {
		base = p.MaxDelayMS
	}
	if p.Jitter {
		factor := 0.8 + 0.4*jitterUnit(p.JitterSeed, attempt)
		base = int64(float64(base) * factor)
		if base > p.MaxDelayMS {
			base = p.MaxDelayMS
		}
	}
	if base < 0 {
		return 0
	}
	return base
}

// CalculateDelay is CalculateDelayMS as a duration.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	return time.Duration(p.CalculateDelayMS(attempt)) * time.Millisecond
}

func (p Policy) baseDelayMS(attempt int) int64 {
	initial := float64(p.InitialDelayMS)
	switch p.Strategy {
	case StrategyLinear:
		return int64(initial * float64(attempt))
	case StrategyFibonacci:
		return int64(initial * float64(fib(attempt)))
	case StrategyConstant:
		return p.InitialDelayMS
	default: // exponential
		factor := p.BackoffFactor
		if factor <= 0 {
			factor = 2
		}
		v := initial * math.Pow(factor, float64(attempt-1))
		if v > math.MaxInt64/2 {
			return p.MaxDelayMS
		}
		return int64(v)
	}
}

// TotalPossibleDelayMS sums the un-jittered delays for attempts
// 1..MaxAttempts.
func (p Policy) TotalPossibleDelayMS() int64 {
	plain := p
	plain.Jitter = false
	var total int64
	for k := 1; k <= p.MaxAttempts; k++ {
		total += plain.CalculateDelayMS(k)
	}
	return total
}

func fib(n int) int64 {
	if n <= 0 {
		return 0
	}
	a, b := int64(1), int64(1)
	for i := 2; i <= n; i++ {
		a, b = b, a+b
		if b < 0 { // overflow
			return math.MaxInt64
		}
	}
	return a
}

// jitterUnit maps (seed, attempt) to [0, 1) deterministically so
// retries are reproducible in tests and spread in production.
func jitterUnit(seed string, attempt int) float64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", seed, attempt)))
	v := binary.BigEndian.Uint64(h[:8])
	return float64(v) / float64(math.MaxUint64)
}

// Sleep waits for d unless the context ends first, returning the
// context error in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
