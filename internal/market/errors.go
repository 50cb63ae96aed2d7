package market

import (
	"errors"
	"fmt"
)

// ErrorKind separates retryable connector failures from permanent ones.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// ConnectorError is returned by every connector call that fails.
type ConnectorError struct {
	Venue  Venue
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *ConnectorError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s connector %s error (status %d): %v", e.Venue, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s connector %s error: %v", e.Venue, e.Kind, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable failure.
func NewTransient(venue Venue, status int, err error) *ConnectorError {
	return &ConnectorError{Venue: venue, Kind: Transient, Status: status, Err: err}
}

// NewFatal wraps err as a non-retryable failure.
func NewFatal(venue Venue, status int, err error) *ConnectorError {
	return &ConnectorError{Venue: venue, Kind: Fatal, Status: status, Err: err}
}

// IsFatal reports whether err carries a fatal connector error. Unclassified
// errors are treated as transient.
func IsFatal(err error) bool {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Kind == Fatal
	}
	return false
}

// ClassifyStatus maps an HTTP status code onto an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 429, status == 408, status >= 500:
		return Transient
	default:
		return Fatal
	}
}
