// Package retry runs an operation under a bounded exponential backoff
// schedule. Failures wrapped with Permanent stop the schedule early.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config bounds the schedule.
type Config struct {
	// MaxAttempts includes the first try. Zero and below mean one attempt.
	MaxAttempts int

	// InitialDelay is the pause after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the growing pause.
	MaxDelay time.Duration

	// Factor multiplies the pause after each failure.
	Factor float64

	// Jitter spreads each pause into [0.5x, 1.5x] so synchronized callers
	// do not hammer a recovering endpoint in lockstep.
	Jitter bool
}

// Result reports how a Do call went.
type Result struct {
	// Attempts is the number of tries made, including the successful one.
	Attempts int

	// Err is nil on success, the context error on cancellation, and the
	// last operation error otherwise.
	Err error
}

// Do runs op until it succeeds, fails permanently, exhausts MaxAttempts,
// or ctx ends.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}

	var res Result
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		err := op()
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err

		if IsPermanent(err) || attempt >= cfg.MaxAttempts {
			return res
		}

		sleep := delay
		if cfg.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- jitter does not require cryptographic randomness
		}
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return res
}

// PermanentError marks a failure retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops after this attempt. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
