package models

import (
	"errors"
	"fmt"
)

// ErrOpenSearchNotConfirmed is returned when an open search against remote sources was not confirmed.
var ErrOpenSearchNotConfirmed = errors.New("open search against remote sources requires confirmation")

// ErrSearchInProgress is returned when the source group's table is already being searched.
var ErrSearchInProgress = errors.New("a search is already running for this source group")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SourceError is a query failure tied to one source.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ConfigurationError reports an unusable session setup, such as an unknown source.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
