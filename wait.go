package xcpngtests

import (
	"fmt"
	"time"
)

// Default polling parameters, shared by every wait in the system.
const (
	DefaultWaitTimeout    = 120 * time.Second
	DefaultWaitRetryDelay = 2 * time.Second
)

// WaitOptions controls a single polling wait. The zero value means
// "use the defaults".
type WaitOptions struct {
	Timeout    time.Duration
	RetryDelay time.Duration
	// Invert waits for the condition to become false instead of true.
	Invert bool
}

// TimeoutError reports that a polling wait exhausted its budget.
type TimeoutError struct {
	Desc    string
	Timeout time.Duration
	Want    bool
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached while waiting for %q to yield %v (%s)", e.Desc, e.Want, e.Timeout)
}

// WaitFor polls cond every RetryDelay until it returns true, or fails
// with a TimeoutError once Timeout has been counted down. cond is
// always evaluated at least once before the first sleep, and a
// condition that holds immediately returns without sleeping.
//
// This is the only suspension mechanism in the harness: the
// management plane has no event channel, so power states, IP
// assignment, SSH readiness and the like are all observed this way.
func WaitFor(cond func() bool, desc string, opts WaitOptions) error {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultWaitTimeout
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultWaitRetryDelay
	}
	if desc != "" {
		log().Info(desc)
	}

	timeLeft := opts.Timeout
	for {
		if cond() != opts.Invert {
			return nil
		}
		timeLeft -= opts.RetryDelay
		if timeLeft <= 0 {
			return &TimeoutError{Desc: desc, Timeout: opts.Timeout, Want: !opts.Invert}
		}
		time.Sleep(opts.RetryDelay)
	}
}

// WaitForNot waits for cond to become false.
func WaitForNot(cond func() bool, desc string, opts WaitOptions) error {
	opts.Invert = true
	return WaitFor(cond, desc, opts)
}
