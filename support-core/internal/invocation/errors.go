package invocation

import "errors"

var (
	ErrInvalidRequest  = errors.New("invalid support request")
	ErrFeatureDisabled = errors.New("direct model access is disabled")
	ErrBreakerOpen     = errors.New("model endpoint circuit is open")
	ErrTimeoutConfig   = errors.New("configured timeout exceeds operation ceiling")
	ErrPIIDetected     = errors.New("prompt failed compliance scan")
	ErrTargetRejected  = errors.New("request target rejected by compliance policy")
	ErrTimeout         = errors.New("model call exceeded operation deadline")
	ErrCanceled        = errors.New("model call canceled by caller")
	ErrTransport       = errors.New("model transport failure")
	ErrClientClosed    = errors.New("invocation client is closed")
)

// Error codes carried on failed responses.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeFeatureDisabled = "feature_disabled"
	CodeBreakerOpen     = "breaker_open"
	CodeTimeoutConfig   = "timeout_config"
	CodePIIDetected     = "pii_detected"
	CodeTargetRejected  = "target_rejected"
	CodeTimeout         = "timeout"
	CodeCanceled        = "canceled"
	CodeTransport       = "transport_error"
	CodeClientClosed    = "client_closed"
)

// codeFor maps a pipeline error onto its response code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrFeatureDisabled):
		return CodeFeatureDisabled
	case errors.Is(err, ErrBreakerOpen):
		return CodeBreakerOpen
	case errors.Is(err, ErrTimeoutConfig):
		return CodeTimeoutConfig
	case errors.Is(err, ErrPIIDetected):
		return CodePIIDetected
	case errors.Is(err, ErrTargetRejected):
		return CodeTargetRejected
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCanceled):
		return CodeCanceled
	case errors.Is(err, ErrClientClosed):
		return CodeClientClosed
	default:
		return CodeTransport
	}
}
