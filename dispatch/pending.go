// dispatch/pending.go
package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"auto_guard_go/config"
	"auto_guard_go/gateway"
)

// Classification names the failure class of a mutation attempt.
type Classification int

const (
	ClassNone Classification = iota
	// ClassTransient covers timeouts, venue-busy and unreachability.
	ClassTransient
	// ClassRejected is an explicit venue refusal, never retried.
	ClassRejected
	// ClassVerifyMismatch means the venue reported success but the read-back
	// disagreed. Retried once, then terminal.
	ClassVerifyMismatch
)

func (c Classification) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	case ClassVerifyMismatch:
		return "verification-mismatch"
	}
	return "unknown"
}

// Outcome is the terminal resolution of a pending mutation.
type Outcome int

const (
	// OutcomeApplied means the venue state verifiably matches intent.
	OutcomeApplied Outcome = iota
	// OutcomeFailed means the mutation is terminally failed.
	OutcomeFailed
	// OutcomeCancelled means the target position no longer exists on the
	// venue or the mutation was withdrawn before dispatch.
	OutcomeCancelled
)

// Result is delivered to the cycle loop over a bounded channel. Only the
// cycle loop applies verified state to the registry.
type Result struct {
	Mutation Mutation
	Token    string
	Outcome  Outcome
	Class    Classification
	Err      string
	Attempts int
	// Fill is set for applied opens.
	Fill *gateway.Fill
	// Verified is the venue's post-dispatch view of the position; nil when
	// the position no longer exists.
	Verified *gateway.VenuePosition
}

// Pending is one logical mutation with its retry bookkeeping. The token is
// generated exactly once at proposal time and reused on every retry, so a
// duplicate in-flight request never produces two venue effects.
type Pending struct {
	Mutation Mutation
	Token    string

	Attempts    int
	NextAttempt time.Time
	LastClass   Classification
	EnqueuedAt  time.Time

	verifyRetried bool
	backoff       *backoff.ExponentialBackOff
}

func newPending(m Mutation, cfg *config.RetryConfig) *Pending {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	b.MaxInterval = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return &Pending{
		Mutation:   m,
		Token:      uuid.NewString(),
		EnqueuedAt: time.Now(),
		backoff:    b,
	}
}
