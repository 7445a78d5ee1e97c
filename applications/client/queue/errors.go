package queue

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("file not found")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The file goes straight to a
// terminal failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 30 * time.Second
)

// CalculateRetryDelay is min(1s * 2^attempt, 30s).
func CalculateRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxRetryDelay
	}
	if d := baseRetryDelay << attempt; d < maxRetryDelay {
		return d
	}
	return maxRetryDelay
}
