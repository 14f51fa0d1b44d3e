package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jguan/gametrans/pkg/translation"
)

// Gateway-level codes for failures that never reach the pipeline.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

type ErrorInfo struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Stage     string         `json:"stage,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func NewErrorInfo(code string, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, Message: message}
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ToErrorInfo converts err into the response form and picks its HTTP status.
func ToErrorInfo(err error) (*ErrorInfo, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var ei *ErrorInfo
	if errors.As(err, &ei) {
		return ei, statusForGatewayCode(ei.Code)
	}

	code := translation.CodeOf(err)
	info := &ErrorInfo{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: translation.IsRetryable(err),
	}
	if te, ok := translation.AsError(err); ok {
		info.Message = te.Message
		info.Stage = te.Stage
		info.Details = te.Details
	}
	return info, translation.ErrorToHTTPStatus(code)
}

func statusForGatewayCode(code string) int {
	switch code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
