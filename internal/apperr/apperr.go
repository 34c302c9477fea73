package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError for callers and the HTTP layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConfiguration
	KindAuthorization
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// AppError represents an application error.
type AppError struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, message string, err error) *AppError {
	if code == "" {
		code = kind.String()
	}
	return &AppError{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation is returned for malformed or incomplete input.
func Validation(message string) *AppError {
	return newError(KindValidation, "", message, nil)
}

// Validationf formats a validation message.
func Validationf(format string, args ...any) *AppError {
	return Validation(fmt.Sprintf(format, args...))
}

// Configuration is returned when the service is missing required settings, such as VAPID keys.
func Configuration(message string) *AppError {
	return newError(KindConfiguration, "", message, nil)
}

// Unauthorized is returned when a credential is missing or invalid.
func Unauthorized(message string, err error) *AppError {
	return newError(KindAuthorization, "unauthorized", message, err)
}

// Forbidden is returned when a valid caller is not allowed to perform the operation.
func Forbidden(message string) *AppError {
	return newError(KindAuthorization, "forbidden", message, nil)
}

func NotFound(resource string) *AppError {
	return newError(KindNotFound, "", fmt.Sprintf("%s not found", resource), nil)
}

func Internal(err error) *AppError {
	return newError(KindInternal, "", "internal server error", err)
}

// KindOf returns the kind of the first AppError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries an AppError of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// HTTPStatus maps err to the response status code.
func HTTPStatus(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConfiguration:
		return http.StatusServiceUnavailable
	case KindAuthorization:
		if appErr.Code == "forbidden" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// As unwraps err into an AppError, wrapping unknown errors as internal.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}
