// errors.go: Error codes and helpers for the Pythia resolution engine
//
// Every error surfaced by Pythia is a coded error from go-errors, so callers
// can branch on the code instead of matching message text.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	goerrors "errors"
	"fmt"

	"github.com/agilira/go-errors"
)

// Error codes for Pythia operations
const (
	ErrCodeMissingConfiguration  = "PYTHIA_MISSING_CONFIGURATION"
	ErrCodeValidationFailure     = "PYTHIA_VALIDATION_FAILURE"
	ErrCodeSubstitutionFailure   = "PYTHIA_SUBSTITUTION_FAILURE"
	ErrCodeReloadIOFailure       = "PYTHIA_RELOAD_IO_FAILURE"
	ErrCodeReloadSuperseded      = "PYTHIA_RELOAD_SUPERSEDED"
	ErrCodeInvalidKey            = "PYTHIA_INVALID_KEY"
	ErrCodeInvalidConfig         = "PYTHIA_INVALID_CONFIG"
	ErrCodeInvalidValue          = "PYTHIA_INVALID_VALUE"
	ErrCodeNonNeutralDefault     = "PYTHIA_NON_NEUTRAL_DEFAULT"
	ErrCodeNotASection           = "PYTHIA_NOT_A_SECTION"
	ErrCodeSchemaError           = "PYTHIA_SCHEMA_ERROR"
	ErrCodeUnsupportedFormat     = "PYTHIA_UNSUPPORTED_FORMAT"
	ErrCodeManagerClosed         = "PYTHIA_MANAGER_CLOSED"
	ErrCodeWatcherBusy           = "PYTHIA_WATCHER_BUSY"
	ErrCodeWatcherStopped        = "PYTHIA_WATCHER_STOPPED"
	ErrCodeSuggestionTimeout     = "PYTHIA_SUGGESTION_TIMEOUT"
	ErrCodeSuggestionUnavailable = "PYTHIA_SUGGESTION_UNAVAILABLE"
	ErrCodeBindingError          = "PYTHIA_BINDING_ERROR"
	ErrCodeInvalidAuditConfig    = "PYTHIA_INVALID_AUDIT_CONFIG"
)

// ErrorCode extracts the Pythia error code from err, or "" when err carries none.
func ErrorCode(err error) string {
	var coder errors.ErrorCoder
	if goerrors.As(err, &coder) {
		return string(coder.ErrorCode())
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsMissingConfiguration reports whether err is a MissingConfiguration error.
func IsMissingConfiguration(err error) bool {
	return HasCode(err, ErrCodeMissingConfiguration)
}

// missingConfiguration builds the error returned when a key has no explicit
// value, no suggestion and no caller default.
func missingConfiguration(key string) error {
	return errors.New(ErrCodeMissingConfiguration,
		fmt.Sprintf("MissingConfiguration(%q)", key)).
		WithContext("key", key)
}

// reportError carries a full ValidationReport through an error chain.
type reportError struct {
	report ValidationReport
}

func (e *reportError) Error() string {
	return e.report.String()
}

// validationFailure wraps a report with hard failures into a coded error.
// The report stays reachable through ReportFromError.
func validationFailure(report ValidationReport) error {
	return errors.Wrap(&reportError{report: report}, ErrCodeValidationFailure,
		fmt.Sprintf("configuration rejected: %d hard violation(s)", report.HardCount())).
		WithContext("violations", len(report.Violations))
}

// ReportFromError returns the ValidationReport attached to a ValidationFailure error.
func ReportFromError(err error) (ValidationReport, bool) {
	var re *reportError
	if goerrors.As(err, &re) {
		return re.report, true
	}
	return ValidationReport{}, false
}
