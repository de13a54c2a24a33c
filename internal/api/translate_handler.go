package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lexigate/lexigate/internal/authkey"
	"github.com/lexigate/lexigate/internal/dedup"
	"github.com/lexigate/lexigate/internal/keypool"
)

// maxBatchSize caps text_list length per request.
const maxBatchSize = 100

// handleTranslate serves POST /translate/<key>. Identical concurrent
// requests coalesce into one pipeline execution; joiners share the leader's
// response body.
func (s *Server) handleTranslate(c *gin.Context) {
	body, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		body = nil
	}

	key := dedup.Fingerprint(c.Request.Method, c.Request.URL.String(), c.Request.URL.Path, body, errRead)
	result, joined, err := s.coalescer.Do(c.Request.Context(), key, func() (*dedup.Result, error) {
		return s.processTranslate(c, body), nil
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "An internal error occurred", err.Error())
		return
	}
	if joined {
		log.WithField("request_id", requestID(c)).Debug("request joined in-flight duplicate")
	}
	c.Data(result.Status, "application/json; charset=utf-8", result.Body)
}

// processTranslate runs the full translate pipeline and captures the
// response for sharing between coalesced callers.
func (s *Server) processTranslate(c *gin.Context, body []byte) *dedup.Result {
	rec := newResponseRecorder()

	clientKey := authkey.Extract(c.Request)
	if clientKey == "" {
		rec.writeJSON(http.StatusUnauthorized, gin.H{
			"error":     "Missing authentication",
			"message":   "Provide a client key in the URL path, x-goog-api-key header or Authorization header",
			"requestId": requestID(c),
		})
		return rec.result()
	}
	if !s.pool.ValidateAuth(c.Request.Context(), clientKey) {
		rec.writeJSON(http.StatusUnauthorized, gin.H{
			"error":     "Invalid client authentication key",
			"message":   "The provided client key is not recognized",
			"requestId": requestID(c),
		})
		return rec.result()
	}

	parsed := gjson.ParseBytes(body)
	textList := parsed.Get("text_list")
	if !textList.Exists() || !textList.IsArray() {
		rec.writeJSON(http.StatusBadRequest, gin.H{
			"error":     "Invalid request",
			"message":   "text_list must be an array of strings",
			"requestId": requestID(c),
		})
		return rec.result()
	}
	targetLang := parsed.Get("target_lang").String()
	if targetLang == "" {
		rec.writeJSON(http.StatusBadRequest, gin.H{
			"error":     "Invalid request",
			"message":   "target_lang is required",
			"requestId": requestID(c),
		})
		return rec.result()
	}

	items := textList.Array()
	if len(items) > maxBatchSize {
		rec.writeJSON(http.StatusBadRequest, gin.H{
			"error":     "Invalid request",
			"message":   "Maximum batch size is 100 texts",
			"requestId": requestID(c),
		})
		return rec.result()
	}
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.String()
	}
	sourceLang := parsed.Get("source_lang").String()

	translations, err := s.engine.TranslateBatch(c.Request.Context(), texts, targetLang, sourceLang, requestID(c))
	if err != nil {
		status := http.StatusInternalServerError
		var noCreds *keypool.NoCredentialsError
		if errors.As(err, &noCreds) {
			status = http.StatusServiceUnavailable
		}
		log.WithError(err).WithField("request_id", requestID(c)).Error("translation pipeline failed")
		rec.writeJSON(status, gin.H{
			"error":     "An internal error occurred",
			"message":   "Translation failed",
			"requestId": requestID(c),
		})
		return rec.result()
	}

	rec.writeJSON(http.StatusOK, gin.H{"translations": translations})
	return rec.result()
}
