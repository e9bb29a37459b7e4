// Package retry decides whether a failed transfer attempt is tried again and
// how long to wait first. It does no I/O and never sleeps.
package retry

import "time"

// Class is the caller's classification of an attempt failure.
type Class int

const (
	Transient Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "transient"
}

// Action is what the caller should do next.
type Action int

const (
	// Retry means wait Decision.Delay and run another attempt.
	Retry Action = iota
	// GiveUp means the attempt budget is spent on transient failures.
	GiveUp
	// Abort means the failure is fatal and must not be retried.
	Abort
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case GiveUp:
		return "give_up"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Policy.Next.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy is a bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy: 6 attempts total, starting at 1.5s and doubling to at most 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 6,
		BaseDelay:   1500 * time.Millisecond,
		MaxDelay:    60 * time.Second,
	}
}

// Next is called after attempt (1-based) failed with class. prev is the
// delay used before that attempt, zero before the first one.
func (p Policy) Next(attempt int, prev time.Duration, class Class) Decision {
	if class == Fatal {
		return Decision{Action: Abort}
	}
	if attempt >= p.maxAttempts() {
		return Decision{Action: GiveUp}
	}

	delay := p.BaseDelay
	if prev > 0 {
		delay = prev * 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return Decision{Action: Retry, Delay: delay}
}

// Delays lists the waits a run of all-transient failures would see.
func (p Policy) Delays() []time.Duration {
	var out []time.Duration
	var prev time.Duration
	for attempt := 1; ; attempt++ {
		d := p.Next(attempt, prev, Transient)
		if d.Action != Retry {
			return out
		}
		out = append(out, d.Delay)
		prev = d.Delay
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
