package receipt

import (
	"errors"
	"fmt"
)

const (
	KindOCRFailure        = "ocr_failure"
	KindExtractionFailure = "extraction_failure"
	KindValidation        = "validation_failure"
	KindRepository        = "repository_failure"
	KindMessaging         = "messaging_failure"
	KindRegistryEmpty     = "registry_empty"
	KindQuotaExceeded     = "quota_exceeded"
	KindInternal          = "internal"
)

// Error carries a stable kind alongside a human message so callers can
// branch on failure class without string matching.
type Error struct {
	Kind      string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Transient: kind == KindOCRFailure || kind == KindMessaging}
}

func WrapError(kind, message string, err error) *Error {
	e := NewError(kind, message)
	e.Err = err
	return e
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind string) bool { return err != nil && KindOf(err) == kind }
