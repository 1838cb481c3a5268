package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
)

// apiError is an error with the HTTP status it maps to.
type apiError struct {
	status int
	msg    string
}

func (e apiError) Error() string { return e.msg }

func badRequest(msg string) error   { return apiError{status: http.StatusBadRequest, msg: msg} }
func unauthorized(msg string) error { return apiError{status: http.StatusUnauthorized, msg: msg} }
func notFound(msg string) error     { return apiError{status: http.StatusNotFound, msg: msg} }
func unavailable(msg string) error  { return apiError{status: http.StatusServiceUnavailable, msg: msg} }

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes err as {success:false, error}. Errors that are not an
// apiError become a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var apiErr apiError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.status, errorBody{Error: apiErr.msg})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
}

// decodeBody reads a JSON object from r into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return badRequest("Request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return badRequest("Invalid JSON body")
	}
	return nil
}

const maxBodyBytes = 64 << 10
