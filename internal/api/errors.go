package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP. It is the only place that
// knows about status codes for domain errors.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, indieweb.ErrMissingParameter):
		return http.StatusBadRequest, "missing_parameter"
	case errors.Is(err, indieweb.ErrInvalidTarget):
		return http.StatusBadRequest, "invalid_target"
	case errors.Is(err, indieweb.ErrMalformedURL):
		return http.StatusBadRequest, "malformed_url"
	case errors.Is(err, indieweb.ErrMissingToken), errors.Is(err, indieweb.ErrTokenInvalid):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, indieweb.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, indieweb.ErrInsufficientScope):
		return http.StatusForbidden, "insufficient_scope"
	case errors.Is(err, indieweb.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, indieweb.ErrUnsupportedContentType):
		return http.StatusUnsupportedMediaType, "unsupported_media_type"
	case errors.Is(err, indieweb.ErrParse),
		errors.Is(err, indieweb.ErrInvalidRequest),
		errors.Is(err, indieweb.ErrPermalinkImmutable):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, indieweb.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// fail writes the mapped error. Server errors are logged and their details
// withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) int {
	status, code := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = "internal server error"
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="micropub"`)
	}
	s.writeError(w, status, code, message)
	return status
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
