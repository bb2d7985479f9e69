package mirror

import (
	"errors"
	"fmt"
)

// ErrNoMirrorAvailable is matched by every NoMirrorAvailableError.
var ErrNoMirrorAvailable = errors.New("no mirror available")

// RetrievalError reports a network-level failure fetching the status feed.
// Callers may retry the whole run later.
type RetrievalError struct {
	URL string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieving mirror status from %s: %v", e.URL, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// DataFormatError reports a status payload that does not match the expected
// schema. It is never converted into an empty result.
type DataFormatError struct {
	Source string
	Err    error
}

func (e *DataFormatError) Error() string {
	return fmt.Sprintf("invalid mirror status data from %s: %v", e.Source, e.Err)
}

func (e *DataFormatError) Unwrap() error { return e.Err }

// ProbeError is a single failed rate probe. It stays inside the rater and is
// recorded as a zero rate.
type ProbeError struct {
	URL string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probing %s: %v", e.URL, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// NoMirrorAvailableError reports that filtering and rating left nothing to
// select from.
type NoMirrorAvailableError struct {
	Reason     string
	Candidates int
}

func (e *NoMirrorAvailableError) Error() string {
	return fmt.Sprintf("%v: %s (%d candidates)", ErrNoMirrorAvailable, e.Reason, e.Candidates)
}

func (e *NoMirrorAvailableError) Is(target error) bool {
	return target == ErrNoMirrorAvailable
}
