package errx

import (
	"errors"
	"net/http"
)

// HTTPErrorResponse is the JSON body the API answers with on errors.
type HTTPErrorResponse struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Type       string         `json:"type"`
	Details    map[string]any `json:"details,omitempty"`
	StatusCode int            `json:"status_code"`
}

func (e *Error) ToHTTPResponse() HTTPErrorResponse {
	return HTTPErrorResponse{
		Code:       e.Code,
		Message:    e.Message,
		Type:       string(e.Type),
		Details:    e.Details,
		StatusCode: e.HTTPStatus,
	}
}

// ToHTTP converts any error into a status and response body. Errors that
// are not *Error become 500s carrying the error text.
func ToHTTP(err error) (int, HTTPErrorResponse) {
	var e *Error
	if errors.As(err, &e) {
		status := e.HTTPStatus
		if status == 0 {
			status = e.Type.HTTPStatus()
		}
		resp := e.ToHTTPResponse()
		resp.StatusCode = status
		return status, resp
	}
	internal := Internal(err.Error())
	return http.StatusInternalServerError, internal.ToHTTPResponse()
}
