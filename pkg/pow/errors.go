package pow

import (
	"errors"
	"fmt"
)

var (
	// ErrMiningUnavailable matches every *MiningUnavailableError via errors.Is.
	ErrMiningUnavailable = errors.New("mining unavailable")

	// ErrVerificationFailed matches every *VerificationFailure via errors.Is.
	ErrVerificationFailed = errors.New("proof verification failed")

	// ErrSearchExhausted means every partition finished without a winner. With
	// a realistic target this indicates a defect or a parameter mismatch.
	ErrSearchExhausted = errors.New("nonce range exhausted without a valid proof")

	// ErrEngineClosed is the cause reported after Engine.Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrSearchAbandoned is the cause of a search stopped because every
	// caller waiting on it went away.
	ErrSearchAbandoned = errors.New("search abandoned by every caller")

	// ErrDigestMismatch is the cause of a VerificationFailure whose seed is
	// known but whose digest misses the target. Such a proof was never mined.
	ErrDigestMismatch = errors.New("digest does not satisfy target")
)

// MiningUnavailableError reports that a search could not be started or was
// stopped before it found a nonce. Callers may retry, possibly with a new pool.
type MiningUnavailableError struct {
	Height uint64
	Cause  error
}

func (e *MiningUnavailableError) Error() string {
	return fmt.Sprintf("mining unavailable for seed height %d: %v", e.Height, e.Cause)
}

func (e *MiningUnavailableError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrMiningUnavailable) hold.
func (e *MiningUnavailableError) Is(target error) bool {
	return target == ErrMiningUnavailable
}

// VerificationFailure reports a proof that does not hold for its claimed seed.
// It is an expected condition: the peer is refused, nothing else happens.
type VerificationFailure struct {
	Height uint64
	Reason string
	Cause  error
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification failed at seed height %d: %s", e.Height, e.Reason)
}

// Is makes errors.Is(err, ErrVerificationFailed) hold.
func (e *VerificationFailure) Is(target error) bool {
	return target == ErrVerificationFailed
}

func (e *VerificationFailure) Unwrap() error {
	return e.Cause
}
