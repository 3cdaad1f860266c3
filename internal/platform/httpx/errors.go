package httpx

import (
	"errors"
	"net/http"

	"github.com/merx-mms/merx/internal/shared"
)

// RespondError maps business errors to HTTP responses using RFC7807. Every
// business failure carries a machine-readable title; anything unrecognised is
// an internal failure and its detail is withheld from the caller.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "ValidationError", err.Error())
	case errors.Is(err, shared.ErrUnknownReference):
		Problem(w, http.StatusNotFound, "UnknownReference", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusUnprocessableEntity, "InsufficientStock", err.Error())
	case errors.Is(err, shared.ErrStaleState):
		Problem(w, http.StatusConflict, "StaleState", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusUnprocessableEntity, "InvalidTransition", err.Error())
	case errors.Is(err, shared.ErrBusy):
		Problem(w, http.StatusConflict, "Busy", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
