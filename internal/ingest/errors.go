package ingest

import "fmt"

// RejectionCode identifies why an otherwise well-formed event was refused.
type RejectionCode string

const (
	RejectLocalURL       RejectionCode = "LOCAL_URL"
	RejectDomainMismatch RejectionCode = "DOMAIN_MISMATCH"
	RejectUnknownProject RejectionCode = "PROJECT_NOT_FOUND"
)

// RejectionError is an expected, non-fatal refusal. Callers report it softly
// and never log it as a server fault.
type RejectionError struct {
	Code    RejectionCode
	Message string
	Err     error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(code RejectionCode, message string, err error) *RejectionError {
	return &RejectionError{Code: code, Message: message, Err: err}
}

// ClassificationError means the payload could not be decoded or is missing
// required fields.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return "invalid event payload: " + e.Err.Error()
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}
