package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/budlink/internal/codec"
	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/session"
	"github.com/nerrad567/budlink/internal/transport"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeUnreachable    = "device_unreachable"
	ErrCodeBusy           = "busy"
	ErrCodeTransport      = "transport_error"
	ErrCodeUnavailable    = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeCommandError maps a command submission error to a response.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownCommand),
		errors.Is(err, session.ErrInvalidParameters),
		errors.Is(err, device.ErrInvalidField),
		errors.Is(err, device.ErrInvalidValue),
		errors.Is(err, device.ErrInvalidMAC),
		errors.Is(err, device.ErrFamilyMismatch),
		errors.Is(err, codec.ErrEncoding):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, err.Error())
		return
	}

	switch transport.ReasonOf(err) {
	case transport.ReasonDisconnected:
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnreachable, err.Error())
	case transport.ReasonQueueFull:
		writeError(w, http.StatusTooManyRequests, ErrCodeBusy, err.Error())
	case "":
		writeInternalError(w, err.Error())
	default:
		writeError(w, http.StatusBadGateway, ErrCodeTransport, err.Error())
	}
}
