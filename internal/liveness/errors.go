package liveness

import (
	"errors"
	"fmt"
	"time"
)

// ErrLivenessFailure is matched by every *FailureError.
var ErrLivenessFailure = errors.New("liveness failure")

// FailureError is raised when a connection stops answering probes.
type FailureError struct {
	Name        string
	LastInbound time.Time
	ProbeSentAt time.Time
	Cause       error
}

func (e *FailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: liveness failure: probe write failed: %v", e.Name, e.Cause)
	}
	return fmt.Sprintf("%s: liveness failure: no inbound traffic since %s (probe sent %s)",
		e.Name, e.LastInbound.Format(time.RFC3339Nano), e.ProbeSentAt.Format(time.RFC3339Nano))
}

func (e *FailureError) Is(target error) bool { return target == ErrLivenessFailure }

func (e *FailureError) Unwrap() error { return e.Cause }
