package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"fleet-replay/internal/db"
	"fleet-replay/internal/logging"
	"fleet-replay/internal/playback"
	"fleet-replay/internal/service"
	"fleet-replay/internal/timeline"
	"fleet-replay/internal/validation"
)

const maxBodyBytes = 8 << 20

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data, Meta: m})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr),
		errors.Is(err, playback.ErrInvalidArgument),
		errors.Is(err, service.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, timeline.ErrEmptyRoute):
		return http.StatusNotFound
	case errors.Is(err, playback.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondErr renders err with the status its kind maps to. Server errors
// are logged and hidden from the client.
func respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.Error().Err(err).Msg("request failed")
		respondError(w, status, "internal server error")
		return
	}
	resp := apiResponse{Success: false, Error: err.Error()}
	var verr *validation.Error
	if errors.As(err, &verr) {
		resp.Details = verr.Fields
	}
	writeJSON(w, status, resp)
}

// decodeBody decodes a JSON body into dst and validates it
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &validation.Error{Fields: []validation.FieldError{{Field: "body", Tag: "json", Message: "invalid JSON: " + err.Error()}}}
	}
	return validation.Struct(dst)
}
