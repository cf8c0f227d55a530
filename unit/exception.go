package unit

import (
	"errors"
	"fmt"
	"time"

	"github.com/taskloom/taskloom/id"
)

// ExceptionKind is the single dimension the retry policy consults.
type ExceptionKind string

const (
	// KindTransient marks a retryable failure: network blip, rate limit.
	// The unit returns to READY until its attempt budget runs out.
	KindTransient ExceptionKind = "transient"
	// KindPermanent marks a failure retrying will never fix: malformed
	// input, 4xx-class responses. The unit goes INFEASIBLE immediately.
	KindPermanent ExceptionKind = "permanent"
)

// Exception is one append-only record of a failed execution attempt.
type Exception struct {
	ID        id.ExceptionID `json:"id"`
	UnitID    id.UnitID      `json:"unit_id"`
	Kind      ExceptionKind  `json:"kind"`
	Message   string         `json:"message"`
	Attempt   int            `json:"attempt"`
	CreatedAt time.Time      `json:"created_at"`
}

// classifiedError wraps a worker error with its exception kind.
type classifiedError struct {
	kind ExceptionKind
	err  error
}

func (c *classifiedError) Error() string {
	return fmt.Sprintf("%s: %v", c.kind, c.err)
}

func (c *classifiedError) Unwrap() error { return c.err }

// Transient wraps err as an explicitly retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindTransient, err: err}
}

// Permanent wraps err as a failure retrying will never fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindPermanent, err: err}
}

// Transientf is shorthand for Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify returns the exception kind for a worker error. Unclassified
// errors count as transient: with attempt counting that bounds the damage
// of a wrong guess, where a wrong PERMANENT would silently drop work.
func Classify(err error) ExceptionKind {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.kind
	}
	return KindTransient
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	return Classify(err) == KindPermanent
}
