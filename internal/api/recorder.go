package api

import (
	"encoding/json"
	"net/http"

	"github.com/lexigate/lexigate/internal/dedup"
)

// responseRecorder captures a response so coalesced callers can replay the
// identical bytes without re-running the pipeline.
type responseRecorder struct {
	status int
	header http.Header
	body   []byte
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *responseRecorder) writeJSON(status int, payload any) {
	r.status = status
	data, err := json.Marshal(payload)
	if err != nil {
		r.status = http.StatusInternalServerError
		data = []byte(`{"error":"An internal error occurred"}`)
	}
	r.body = data
}

func (r *responseRecorder) writeRaw(status int, contentType string, body []byte) {
	r.status = status
	if contentType != "" {
		r.header.Set("Content-Type", contentType)
	}
	r.body = body
}

func (r *responseRecorder) result() *dedup.Result {
	return &dedup.Result{Status: r.status, Header: r.header, Body: r.body}
}
