package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lexigate/lexigate/internal/dedup"
	"github.com/lexigate/lexigate/internal/executor"
	"github.com/lexigate/lexigate/internal/keypool"
)

// handlePassthrough forwards arbitrary requests to the upstream API,
// injecting a pool credential and driving the call through the retry
// executor. Bodies are forwarded verbatim in both directions.
func (s *Server) handlePassthrough(c *gin.Context) {
	body, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		body = nil
	}

	key := dedup.Fingerprint(c.Request.Method, c.Request.URL.String(), c.Request.URL.Path, body, errRead)
	result, _, err := s.coalescer.Do(c.Request.Context(), key, func() (*dedup.Result, error) {
		return s.processPassthrough(c, body), nil
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "An internal error occurred", err.Error())
		return
	}
	contentType := result.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(result.Status, contentType, result.Body)
}

func (s *Server) processPassthrough(c *gin.Context, body []byte) *dedup.Result {
	rec := newResponseRecorder()

	upstreamPath := c.Request.URL.Path
	if name := c.Param("name"); name != "" {
		upstreamPath = c.Param("path")
	}
	endpoint := strings.TrimSuffix(s.cfg.GeminiBaseURL, "/") + "/" + strings.TrimPrefix(upstreamPath, "/")
	if q := c.Request.URL.RawQuery; q != "" {
		endpoint += "?" + q
	}

	method := c.Request.Method
	contentType := c.Request.Header.Get("Content-Type")

	resp, err := s.exec.Execute(c.Request.Context(), executor.Options{
		GetCredential: func(ctx0 context.Context) (string, error) {
			return s.pool.NextCredential(ctx0, keypool.GeminiKeys)
		},
		EvictCredential: func(ctx0 context.Context, credential string) {
			s.pool.Evict(ctx0, keypool.GeminiKeys, credential)
		},
		BuildRequest: func(ctx0 context.Context, credential string) (*http.Request, error) {
			req, errReq := http.NewRequestWithContext(ctx0, method, endpoint, bytes.NewReader(body))
			if errReq != nil {
				return nil, errReq
			}
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			req.Header.Set("x-goog-api-key", credential)
			return req, nil
		},
		// Passthrough responses are returned verbatim; any upstream body is
		// acceptable once the status policies have run.
		ValidateResponse: func(r *executor.Response) bool { return r.Ok() },
		MaxAttempts:      s.cfg.MaxRetries,
		RequestID:        requestID(c),
	})
	if err != nil || resp == nil {
		status := http.StatusInternalServerError
		var noCreds *keypool.NoCredentialsError
		if errors.As(err, &noCreds) {
			status = http.StatusServiceUnavailable
		}
		log.WithError(err).WithField("request_id", requestID(c)).Error("passthrough failed")
		rec.writeJSON(status, gin.H{
			"error":     "An internal error occurred",
			"message":   "Upstream request failed",
			"requestId": requestID(c),
		})
		return rec.result()
	}

	rec.writeRaw(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
	return rec.result()
}
