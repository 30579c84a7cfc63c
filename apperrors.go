package main

// ErrCode classifies an AppError so the Dispatcher can attach a stable
// machine-readable code to the errorEvent it sends back over the websocket.
type ErrCode string

const (
	ErrCodeValidation    ErrCode = "validation"
	ErrCodeAuthorization ErrCode = "authorization"
	ErrCodeState         ErrCode = "state"
	ErrCodeRate          ErrCode = "rate"
)

// AppError is a request-level failure with a category a client can branch
// on, as distinct from GatewayError/RateLimitError which describe failures
// talking to the external music service.
type AppError struct {
	Code    ErrCode
	Message string
}

func (e *AppError) Error() string { return e.Message }

func newAppError(code ErrCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

func appErrorCode(err error) string {
	if ae, ok := err.(*AppError); ok {
		return string(ae.Code)
	}
	return ""
}
