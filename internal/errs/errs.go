// Package errs defines the error taxonomy shared by the training packages.
//
// Every typed error unwraps to one of the sentinels, so callers can test
// the category with errors.Is and recover details with errors.As.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrConfig        = errors.New("configuration error")
	ErrShape         = errors.New("shape error")
	ErrDataExhausted = errors.New("data source exhausted")
)

// ConfigError reports a malformed declaration detected before training.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// Configf builds a ConfigError with a formatted reason.
func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UnknownWeight is the ConfigError for a reference to a weight id the
// engine does not hold.
func UnknownWeight(field, id string) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf("unknown weight %q", id)}
}

// ShapeError reports mismatched tensor dimensions.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape: %s: want %v, got %v", e.Op, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

// DataExhaustionError reports a data source that cannot fill a superbatch.
type DataExhaustionError struct {
	Superbatch int
	Needed     int // batches required for the superbatch
	Available  int // batches the source could still deliver
}

func (e *DataExhaustionError) Error() string {
	return fmt.Sprintf("superbatch %d: need %d batches, source has %d",
		e.Superbatch, e.Needed, e.Available)
}

func (e *DataExhaustionError) Unwrap() error { return ErrDataExhausted }
