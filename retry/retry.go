// Package retry runs units of work under a configurable retry policy with
// transient/fatal error classification.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fieldpoll/fieldpoll/model"
)

// Strategy selects how delays grow between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy is a retry policy value. MaxAttempts bounds the retries after the
// first attempt, so the work runs at most MaxAttempts+1 times. Classify
// returns true for errors worth retrying; nil means Transient.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Strategy     Strategy
	JitterFactor float64
	Classify     func(error) bool
}

// DefaultPolicy is a sane transport-level policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Strategy:     StrategyExponential,
		JitterFactor: 0.2,
	}
}

// Result reports how an execution went.
type Result[T any] struct {
	Value    T
	Err      error
	Duration time.Duration
	Attempts int

	// CancelledDuringDelay is true when cancellation arrived while waiting
	// between attempts rather than inside the work itself.
	CancelledDuringDelay bool
}

// OK reports whether the work eventually succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// linearBackOff grows the delay by BaseDelay each attempt, capped at max.
// It implements backoff.BackOff so all three strategies share one shape.
type linearBackOff struct {
	base, max time.Duration
	n         int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	d := l.base * time.Duration(l.n)
	if d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.n = 0 }

func newBackOff(p Policy) backoff.BackOff {
	switch p.Strategy {
	case StrategyLinear:
		return &linearBackOff{base: p.BaseDelay, max: p.MaxDelay}
	case StrategyExponential:
		b := &backoff.ExponentialBackOff{
			InitialInterval:     p.BaseDelay,
			RandomizationFactor: 0, // jitter applied uniformly below
			Multiplier:          2,
			MaxInterval:         p.MaxDelay,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		b.Reset()
		return b
	default:
		return backoff.NewConstantBackOff(p.BaseDelay)
	}
}

// jitter spreads d uniformly in [-f*d, +f*d], clamped at zero.
func jitter(d time.Duration, f float64) time.Duration {
	if f <= 0 || d <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * f * float64(d)
	out := time.Duration(float64(d) + spread)
	if out < 0 {
		return 0
	}
	return out
}

// Execute runs work until it succeeds, the policy classifies the error as
// fatal, attempts run out, or ctx is cancelled. Every wait honours ctx.
func Execute[T any](ctx context.Context, p Policy, work func(context.Context) (T, error)) Result[T] {
	classify := p.Classify
	if classify == nil {
		classify = Transient
	}
	bo := newBackOff(p)
	start := time.Now()

	var res Result[T]
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		v, err := work(ctx)
		if err == nil {
			res.Value = v
			res.Duration = time.Since(start)
			return res
		}
		if ctx.Err() != nil {
			res.Err = model.ErrCancelled
			res.Duration = time.Since(start)
			return res
		}
		if !classify(err) || attempt >= p.MaxAttempts {
			res.Err = err
			res.Duration = time.Since(start)
			return res
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = p.MaxDelay
		}
		delay = jitter(delay, p.JitterFactor)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = model.ErrCancelled
			res.CancelledDuringDelay = true
			res.Duration = time.Since(start)
			return res
		case <-timer.C:
		}
	}
}

// MaxElapsedDelay is an upper bound on the time Execute can spend sleeping
// between attempts, jitter headroom included. Callers size deadlines that
// must outlive a full retry sequence with it.
func (p Policy) MaxElapsedDelay() time.Duration {
	var total time.Duration
	step := p.BaseDelay
	for a := 0; a < p.MaxAttempts; a++ {
		d := step
		if p.Strategy == StrategyLinear {
			d = p.BaseDelay * time.Duration(a+1)
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		total += d
		if p.Strategy == StrategyExponential && step < p.MaxDelay {
			step *= 2
		}
	}
	if p.JitterFactor > 0 {
		total += time.Duration(float64(total) * p.JitterFactor)
	}
	return total
}

// Transient classifies an error as retryable: timeouts, connection-level
// socket failures, and network/host reachability problems.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, model.ErrReadTimeout) ||
		errors.Is(err, model.ErrClosedByPeer) ||
		errors.Is(err, model.ErrConnectFailed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
		syscall.ENETDOWN, syscall.ENETUNREACH,
		syscall.EHOSTDOWN, syscall.EHOSTUNREACH,
		syscall.EAGAIN,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	// Last resort for errors that lost their type across library layers.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout")
}
