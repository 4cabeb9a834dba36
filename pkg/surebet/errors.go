package surebet

import (
	"errors"
	"fmt"
	"strings"
)

// ReadError is a failed read of one bet index. It never aborts a list build.
type ReadError struct {
	Op    string
	Index uint64
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s(%d): %v", e.Op, e.Index, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// CountReadError is a failed read of the bet counter. It fails the whole view.
type CountReadError struct {
	Err error
}

func (e *CountReadError) Error() string {
	return fmt.Sprintf("read bet count: %v", e.Err)
}

func (e *CountReadError) Unwrap() error { return e.Err }

// SubmissionError is a transaction the signer or the node refused.
type SubmissionError struct {
	Method string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Method, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RevertError is a ledger-side precondition failure.
type RevertError struct {
	Method string
	Reason string
	TxHash string
}

func (e *RevertError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "transaction reverted"
	}
	if e.TxHash != "" {
		return fmt.Sprintf("%s reverted (tx %s): %s", e.Method, e.TxHash, reason)
	}
	return fmt.Sprintf("%s reverted: %s", e.Method, reason)
}

// ValidationError is a client-side precondition that blocks submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

const revertPrefix = "execution reverted"

// classifySubmit turns a Transact error into a RevertError when the node
// reported an execution revert during estimation, else a SubmissionError.
func classifySubmit(method string, err error) error {
	msg := err.Error()
	if i := strings.Index(msg, revertPrefix); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len(revertPrefix):], ":")
		return &RevertError{Method: method, Reason: strings.TrimSpace(reason)}
	}
	return &SubmissionError{Method: method, Err: err}
}
