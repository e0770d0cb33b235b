// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/propledger/propledger/internal/shared"
)

// StatusForCode maps an envelope error code to an HTTP status.
func StatusForCode(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case shared.CodeValidation:
		return http.StatusBadRequest
	case shared.CodeNotFound:
		return http.StatusNotFound
	case shared.CodeForbidden:
		return http.StatusForbidden
	case shared.CodeConflict, shared.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	code := shared.ErrorCode(err)
	status := StatusForCode(code)
	var verr *shared.ValidationError
	if errors.As(err, &verr) {
		writeProblem(w, ProblemDetail{
			Type:   code,
			Title:  "Validation Failed",
			Status: status,
			Detail: verr.Error(),
			Fields: verr.Fields,
		})
		return
	}
	if code == shared.CodeInternal {
		Problem(w, status, http.StatusText(status), "")
		return
	}
	writeProblem(w, ProblemDetail{Type: code, Title: http.StatusText(status), Status: status, Detail: err.Error()})
}
