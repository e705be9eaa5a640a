package queue

import (
	"errors"
	"time"
)

// Deferrer is implemented by handler errors that ask for the job to run
// again later without the failure counting as an attempt.
type Deferrer interface {
	DeferFor() time.Duration
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails immediately.
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

func deferral(err error) (time.Duration, bool) {
	var d Deferrer
	if errors.As(err, &d) {
		return d.DeferFor(), true
	}
	return 0, false
}
