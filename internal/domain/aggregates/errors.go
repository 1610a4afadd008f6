package aggregates

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode standardizes persistence failure semantics across providers.
type ErrorCode string

const (
	CodeIdentityConflict       ErrorCode = "identity_conflict"
	CodeNotFound               ErrorCode = "not_found"
	CodeInvalidStateTransition ErrorCode = "invalid_state_transition"
	CodeConflict               ErrorCode = "conflict"
	CodeConnectivity           ErrorCode = "connectivity"
	CodeSchema                 ErrorCode = "schema"
	CodePartialCommit          ErrorCode = "partial_commit"
	CodeValidation             ErrorCode = "validation"
	CodeEventDispatch          ErrorCode = "event_dispatch"
	CodeInternal               ErrorCode = "internal"
)

// Error is the canonical persistence error wrapper.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an error with explicit code + operation.
func NewError(code ErrorCode, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// Errorf is NewError with a formatted message and no cause.
func Errorf(code ErrorCode, op, format string, args ...any) error {
	return NewError(code, op, fmt.Sprintf(format, args...), nil)
}

// Wrap annotates an existing error with persistence error semantics.
func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(code, op, err.Error(), err)
}

// IsCode checks whether err (or any wrapped err) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if code == CodePartialCommit {
		var pc *PartialCommitError
		return errors.As(err, &pc)
	}
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// CodeOf extracts the outermost code when available.
func CodeOf(err error) ErrorCode {
	var pc *PartialCommitError
	if errors.As(err, &pc) {
		return CodePartialCommit
	}
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// IsRetryable reports whether the failure is transient. The core never retries on its own.
func IsRetryable(err error) bool {
	return IsCode(err, CodeConnectivity)
}

// PartialCommitError reports a commit that degraded across several providers.
type PartialCommitError struct {
	Committed         []string
	RolledBack        []string
	NeedsCompensation []Compensation
	Cause             error
}

// Compensation names the writes a non-transactional provider already applied.
type Compensation struct {
	Provider string
	Keys     []string
}

func (e *PartialCommitError) Error() string {
	if e == nil {
		return "<nil>"
	}
	pending := make([]string, 0, len(e.NeedsCompensation))
	for _, c := range e.NeedsCompensation {
		pending = append(pending, c.Provider)
	}
	msg := fmt.Sprintf(
		"partial commit: committed=[%s] rolled_back=[%s] needs_compensation=[%s]",
		strings.Join(e.Committed, ","),
		strings.Join(e.RolledBack, ","),
		strings.Join(pending, ","),
	)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialCommitError) Unwrap() error { return e.Cause }
