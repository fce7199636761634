package fhirclient

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected indicates the remote server rejected the bearer
	// token (401/403). The caller decides whether to refresh and retry.
	ErrAuthRejected = errors.New("fhirclient: authorization rejected")

	// ErrNotFound indicates the requested resource does not exist on
	// the remote server.
	ErrNotFound = errors.New("fhirclient: resource not found")

	// ErrUnreachable indicates the server could not be reached at the
	// transport level (DNS, connect, TLS, timeout) after retries.
	ErrUnreachable = errors.New("fhirclient: server unreachable")
)

// RemoteError carries a non-transport failure returned by the remote
// FHIR server, including any OperationOutcome diagnostics it supplied.
type RemoteError struct {
	StatusCode  int
	Diagnostics string
}

func (e *RemoteError) Error() string {
	if e.Diagnostics == "" {
		return fmt.Sprintf("fhirclient: remote returned %d", e.StatusCode)
	}
	return fmt.Sprintf("fhirclient: remote returned %d: %s", e.StatusCode, e.Diagnostics)
}
