package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeAPI                 = "API_ERROR"
	ErrCodeAuth                = "AUTH_ERROR"
	ErrCodeMissingCredential   = "MISSING_CREDENTIAL"
	ErrCodeVaultNotInitialized = "VAULT_NOT_INITIALIZED"
	ErrCodeCorruptVault        = "CORRUPT_VAULT"
)

// BridgeError is the structured error type for all qabridge operations.
type BridgeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new BridgeError.
func NewError(code, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// NewErrorf creates a new BridgeError with a formatted message.
func NewErrorf(code, format string, args ...any) *BridgeError {
	return &BridgeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *BridgeError) WithCause(err error) *BridgeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *BridgeError) WithDetails(details map[string]any) *BridgeError {
	e.Details = details
	return e
}

// CodeOf walks the error chain and returns the first BridgeError code, or "".
func CodeOf(err error) string {
	for err != nil {
		if be, ok := err.(*BridgeError); ok {
			return be.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
