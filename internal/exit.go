package internal

import (
	"errors"

	"github.com/starford/fieldsmith/internal/apperr"
)

// Process exit codes. Per-note failures and interrupted runs exit with ExitOK.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
	ExitAborted = 3
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, apperr.ErrAborted):
		return ExitAborted
	}
	switch apperr.KindOf(err) {
	case apperr.KindConfiguration, apperr.KindProgressLoad:
		return ExitConfig
	default:
		return ExitFailure
	}
}
