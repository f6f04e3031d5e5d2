package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/semmidev/sitekeeper/internal/domain"
)

type envelope struct {
	Status    string     `json:"status"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Status: "success", Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeEnvelope(w, status, envelope{
		Status: "error",
		Error:  &errorBody{Code: code, Message: message},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	body.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorStatus maps a usecase error onto an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "operation_in_progress"
	case errors.Is(err, domain.ErrArchiveMissing):
		return http.StatusNotFound, "archive_missing"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "backup_not_found"
	case errors.Is(err, domain.ErrNotRestorable):
		return http.StatusUnprocessableEntity, "not_restorable"
	case errors.Is(err, domain.ErrCorruptArchive):
		return http.StatusUnprocessableEntity, "corrupt_archive"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	respondError(w, status, code, err.Error())
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %v", domain.ErrValidation, err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
