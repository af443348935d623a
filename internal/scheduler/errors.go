package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyRunning  = errors.New("scheduler is already running")
	ErrNotRunning      = errors.New("scheduler is not running")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrNotOnDemand     = errors.New("endpoint does not accept a target")
	ErrMissingTarget   = errors.New("on-demand endpoint requires a target")
	ErrPollInProgress  = errors.New("poll already in progress")
)

// AdmissionError reports that the gate refused a triggered poll.
type AdmissionError struct {
	Endpoint string
	Reason   string
	Wait     time.Duration
}

func (e *AdmissionError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("%s not admitted: %s (retry in %s)", e.Endpoint, e.Reason, e.Wait.Round(time.Second))
	}
	return fmt.Sprintf("%s not admitted: %s", e.Endpoint, e.Reason)
}
