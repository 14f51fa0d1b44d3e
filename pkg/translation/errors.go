package translation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
)

// ErrorCode identifies a class of failure in the translation pipeline.
type ErrorCode string

// General error codes (000-099)
const (
	ErrCodeUnknown          ErrorCode = "00001"
	ErrCodeInvalidRequest   ErrorCode = "00002"
	ErrCodeNotFound         ErrorCode = "00004"
	ErrCodeDeadlineExceeded ErrorCode = "00006"
	ErrCodeRateLimited      ErrorCode = "00007"
	ErrCodeInternal         ErrorCode = "00008"
)

// Pipeline error codes (100-199)
const (
	ErrCodeExtraction               ErrorCode = "00100"
	ErrCodeAllSourcesFailed         ErrorCode = "00101"
	ErrCodePipelineDisabled         ErrorCode = "00102"
	ErrCodeLogging                  ErrorCode = "00103"
	ErrCodeConcurrencyLimitExceeded ErrorCode = "00104"
	ErrCodeOCRUnavailable           ErrorCode = "00105"
)

// Backend error codes (200-299)
const (
	ErrCodeAllBackendsFailed    ErrorCode = "00200"
	ErrCodeBackendNotFound      ErrorCode = "00201"
	ErrCodeBackendNotConfigured ErrorCode = "00202"
	ErrCodeBackendRequest       ErrorCode = "00203"
	ErrCodeTextTooLong          ErrorCode = "00204"
)

// Offline model error codes (300-399)
const (
	ErrCodeModelNotInstalled   ErrorCode = "00300"
	ErrCodeModelNotFound       ErrorCode = "00301"
	ErrCodeUnsupportedPair     ErrorCode = "00302"
	ErrCodeModelDownloadFailed ErrorCode = "00303"
	ErrCodeNoTranslation       ErrorCode = "00304"
)

// Configuration error codes (400-499)
const (
	ErrCodeConfig ErrorCode = "00400"
)

// Error is the error type shared by every pipeline component.
// Stage names the pipeline stage the failure originated in, when known.
type Error struct {
	Code    ErrorCode
	Stage   string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Stage != "" {
		prefix = fmt.Sprintf("[%s %s]", e.Code, e.Stage)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by error code so sentinels compare equal to derived errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) clone() *Error {
	c := *e
	c.Details = maps.Clone(e.Details)
	if c.Details == nil {
		c.Details = make(map[string]any)
	}
	return &c
}

// WithDetails returns a copy of e carrying the extra detail.
func (e *Error) WithDetails(key string, value any) *Error {
	c := e.clone()
	c.Details[key] = value
	return c
}

// WithCause returns a copy of e wrapping err.
func (e *Error) WithCause(err error) *Error {
	c := e.clone()
	c.Cause = err
	return c
}

// WithStage returns a copy of e attributed to stage.
func (e *Error) WithStage(stage string) *Error {
	c := e.clone()
	c.Stage = stage
	return c
}

// WithMessage returns a copy of e with msg appended to the message.
func (e *Error) WithMessage(msg string) *Error {
	c := e.clone()
	c.Message = e.Message + ": " + msg
	return c
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

func WrapError(err error, code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
		Details: make(map[string]any),
	}
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// CodeOf returns the code of err, ErrCodeDeadlineExceeded for context
// deadline errors and ErrCodeUnknown otherwise.
func CodeOf(err error) ErrorCode {
	if te, ok := AsError(err); ok {
		return te.Code
	}
	if isContextDeadline(err) {
		return ErrCodeDeadlineExceeded
	}
	return ErrCodeUnknown
}

func isContextDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrorToHTTPStatus maps an error code to an HTTP status code.
func ErrorToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest, ErrCodeConfig, ErrCodeUnsupportedPair, ErrCodeTextTooLong:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeBackendNotFound, ErrCodeModelNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited, ErrCodeConcurrencyLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case ErrCodeExtraction:
		return http.StatusUnprocessableEntity
	case ErrCodeAllSourcesFailed, ErrCodeAllBackendsFailed, ErrCodeModelNotInstalled,
		ErrCodePipelineDisabled, ErrCodeOCRUnavailable, ErrCodeBackendNotConfigured:
		return http.StatusServiceUnavailable
	case ErrCodeBackendRequest, ErrCodeModelDownloadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeConcurrencyLimitExceeded, ErrCodeRateLimited, ErrCodeDeadlineExceeded:
		return true
	}
	return false
}

var (
	ErrInvalidRequest           = NewError(ErrCodeInvalidRequest, "invalid request")
	ErrDeadlineExceeded         = NewError(ErrCodeDeadlineExceeded, "deadline exceeded")
	ErrRateLimited              = NewError(ErrCodeRateLimited, "rate limited")
	ErrExtraction               = NewError(ErrCodeExtraction, "text extraction failed")
	ErrAllSourcesFailed         = NewError(ErrCodeAllSourcesFailed, "all translation sources failed")
	ErrPipelineDisabled         = NewError(ErrCodePipelineDisabled, "pipeline disabled")
	ErrLogging                  = NewError(ErrCodeLogging, "translation logging failed")
	ErrConcurrencyLimitExceeded = NewError(ErrCodeConcurrencyLimitExceeded, "concurrency limit exceeded")
	ErrOCRUnavailable           = NewError(ErrCodeOCRUnavailable, "ocr engine unavailable")
	ErrAllBackendsFailed        = NewError(ErrCodeAllBackendsFailed, "all backends failed")
	ErrBackendNotFound          = NewError(ErrCodeBackendNotFound, "backend not found")
	ErrBackendNotConfigured     = NewError(ErrCodeBackendNotConfigured, "backend not configured")
	ErrBackendRequest           = NewError(ErrCodeBackendRequest, "backend request failed")
	ErrTextTooLong              = NewError(ErrCodeTextTooLong, "text exceeds backend request limit")
	ErrModelNotInstalled        = NewError(ErrCodeModelNotInstalled, "offline model not installed")
	ErrModelNotFound            = NewError(ErrCodeModelNotFound, "offline model not found")
	ErrUnsupportedPair          = NewError(ErrCodeUnsupportedPair, "language pair not supported")
	ErrModelDownloadFailed      = NewError(ErrCodeModelDownloadFailed, "model download failed")
	ErrNoTranslation            = NewError(ErrCodeNoTranslation, "model has no translation for text")
	ErrConfig                   = NewError(ErrCodeConfig, "invalid configuration")
)
