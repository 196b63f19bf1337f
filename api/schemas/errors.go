// File: api/schemas/errors.go
package schemas

import (
	"fmt"
)

// ConfigurationError indicates a required secret or setting is missing.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration error: %s is required", e.Key)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

// NotFoundError indicates an expected backing file does not exist.
// Backing files are never created implicitly.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// NoAvailableRecordError indicates the ledger holds no row that can be claimed.
type NoAvailableRecordError struct {
	Path  string
	Email string
}

func (e *NoAvailableRecordError) Error() string {
	if e.Email != "" {
		return fmt.Sprintf("ledger %s: %s is not available", e.Path, e.Email)
	}
	return fmt.Sprintf("ledger %s: no available record", e.Path)
}

// ExternalServiceError wraps a failed or malformed exchange with a remote service.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// AutomationError indicates a UI surface was missing or an action timed out.
type AutomationError struct {
	Stage Stage
	Step  string
	Err   error
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("automation failed at %s/%s: %v", e.Stage, e.Step, e.Err)
}

func (e *AutomationError) Unwrap() error { return e.Err }
