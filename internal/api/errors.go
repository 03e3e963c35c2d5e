package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"secshare.io/engine/internal/auth"
	"secshare.io/engine/internal/engine"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// handleError maps engine failures onto HTTP statuses. Only ErrInvalidParameter
// carries its own message to the client; everything else gets a fixed text.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidParameter):
		h.error(w, http.StatusBadRequest, "invalid_parameter", err.Error())
	case errors.Is(err, engine.ErrNotFound):
		h.error(w, http.StatusNotFound, "not_found", "secret not found")
	case errors.Is(err, engine.ErrGone):
		h.error(w, http.StatusGone, "gone", "secret has expired or reached its view limit")
	case errors.Is(err, engine.ErrForbidden):
		h.error(w, http.StatusForbidden, "forbidden", "secret belongs to another owner")
	case errors.Is(err, engine.ErrAttachmentTooLarge):
		h.error(w, http.StatusPaymentRequired, "quota_exceeded", "attachment exceeds the plan limit")
	case errors.Is(err, engine.ErrQuotaExceeded):
		h.error(w, http.StatusPaymentRequired, "quota_exceeded", "monthly secret quota exhausted")
	case errors.Is(err, engine.ErrTransient):
		h.log.WithError(err).WithField("request_id", GetRequestID(r.Context())).Warn("Transient failure")
		w.Header().Set("Retry-After", "1")
		h.error(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry shortly")
	case errors.Is(err, engine.ErrCorruptData):
		h.error(w, http.StatusInternalServerError, "corrupt_data", "secret could not be decrypted and has been destroyed")
	default:
		h.log.WithError(err).WithFields(logrus.Fields{
			"request_id": GetRequestID(r.Context()),
			"route":      routePattern(r),
		}).Error("Unhandled error")
		h.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	msg := "invalid bearer token"
	if errors.Is(err, auth.ErrMissingToken) {
		msg = "bearer token required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="secshare"`)
	h.error(w, http.StatusUnauthorized, "unauthorized", msg)
}
