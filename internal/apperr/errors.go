// Package apperr defines the error taxonomy shared by the pipeline components.
//
// Configuration and progress-load errors are fatal for a run. Missing fields,
// transport, server and malformed-response errors are per-note: they are
// recorded in the progress ledger and the run continues.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrAborted is returned when the consecutive-failure threshold is exceeded.
	ErrAborted = errors.New("run aborted")
)

// Kind classifies an error for ledger records and exit codes.
type Kind string

const (
	KindNone              Kind = ""
	KindConfiguration     Kind = "configuration"
	KindMissingField      Kind = "missing_field"
	KindTransport         Kind = "transport"
	KindServer            Kind = "server"
	KindMalformedResponse Kind = "malformed_response"
	KindProgressLoad      Kind = "progress_load"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// ConfigurationError reports an invalid or incomplete configuration.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return "configuration: " + e.Err.Error()
		}
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf builds a ConfigurationError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// MissingFieldError reports a declared input or output field absent from a
// note.
type MissingFieldError struct {
	NoteID int64
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("note %d: missing field %q", e.NoteID, e.Field)
}

// TransportError reports a connection failure or timeout talking to an
// external service.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError reports a non-success answer from an external service.
type ServerError struct {
	Op     string
	Status int
	Msg    string
}

func (e *ServerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: server status %d: %s", e.Op, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s: server: %s", e.Op, e.Msg)
}

// MalformedReason distinguishes the ways a model response can be unusable.
type MalformedReason string

const (
	ReasonNoBlock         MalformedReason = "no structured block found"
	ReasonIncompleteBlock MalformedReason = "incomplete structured block"
	ReasonMissingKeys     MalformedReason = "structured block missing required keys"
)

// MalformedResponseError reports model output that could not be turned into
// a value for every declared output field. Raw keeps the model text for
// diagnostics.
type MalformedResponseError struct {
	Reason  MalformedReason
	Missing []string
	Raw     string
}

func (e *MalformedResponseError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("malformed response: %s: %s", e.Reason, strings.Join(e.Missing, ", "))
	}
	return "malformed response: " + string(e.Reason)
}

// ProgressLoadError reports a progress ledger that exists but cannot be read.
type ProgressLoadError struct {
	Path string
	Err  error
}

func (e *ProgressLoadError) Error() string {
	return fmt.Sprintf("load progress %s: %v", e.Path, e.Err)
}

func (e *ProgressLoadError) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		cfgErr  *ConfigurationError
		mfErr   *MissingFieldError
		trErr   *TransportError
		srvErr  *ServerError
		malErr  *MalformedResponseError
		progErr *ProgressLoadError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &mfErr):
		return KindMissingField
	case errors.As(err, &trErr):
		return KindTransport
	case errors.As(err, &srvErr):
		return KindServer
	case errors.As(err, &malErr):
		return KindMalformedResponse
	case errors.As(err, &progErr):
		return KindProgressLoad
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// Systemic reports whether err points at an outage of an external service
// rather than a problem with an individual note.
func Systemic(err error) bool {
	k := KindOf(err)
	return k == KindTransport || k == KindServer
}

// Fatal reports whether err must stop the process before or during a run.
func Fatal(err error) bool {
	if errors.Is(err, ErrAborted) {
		return true
	}
	k := KindOf(err)
	return k == KindConfiguration || k == KindProgressLoad
}
