package errx

import "net/http"

// Type categorizes an error
type Type string

const (
	TypeInternal      Type = "INTERNAL"
	TypeValidation    Type = "VALIDATION"
	TypeAuthorization Type = "AUTHORIZATION"
	TypeNotFound      Type = "NOT_FOUND"
	TypeConflict      Type = "CONFLICT"
	TypeBusiness      Type = "BUSINESS"
	TypeExternal      Type = "EXTERNAL"
	// TypeTimeout is used when a wait gave up before the work finished
	TypeTimeout Type = "TIMEOUT"
)

func (t Type) String() string {
	return string(t)
}

// HTTPStatus is the default status for errors of this type.
func (t Type) HTTPStatus() int {
	switch t {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeAuthorization:
		return http.StatusUnauthorized
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeBusiness:
		return http.StatusUnprocessableEntity
	case TypeExternal:
		return http.StatusBadGateway
	case TypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Internal(message string) *Error {
	return New(message, TypeInternal)
}

func Validation(message string) *Error {
	return New(message, TypeValidation)
}

func NotFound(message string) *Error {
	return New(message, TypeNotFound)
}

func Unauthorized(message string) *Error {
	return New(message, TypeAuthorization)
}
