package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/pilotdata/authsvc/internal/errx"
)

const maxBodyBytes = 1 << 20

type resultBody struct {
	Result any `json:"result"`
}

type errorBody struct {
	Error *errx.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR: server: encode response: %v", err)
	}
}

func writeResult(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, resultBody{Result: v})
}

// writeError maps err onto its HTTP status. Server-side failures are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errx.From(err)
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("ERROR: server: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorBody{Error: e})
}

// decode validates the body against the named schema and unmarshals it into
// dst. An empty schema name or a nil Validator skips validation.
func (h *Handlers) decode(r *http.Request, schema string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errx.Validation("unable to read request body")
	}
	if h.Validator != nil && schema != "" {
		if err := h.Validator.Validate(schema, body); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errx.Validation("request body is not valid JSON")
	}
	return nil
}
