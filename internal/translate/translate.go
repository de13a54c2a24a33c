// Package translate implements the batch translation engine: input
// deduplication, cache probing, bounded-parallel fan-out through the retry
// executor and order-preserving result assembly.
package translate

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/lexigate/lexigate/internal/executor"
	"github.com/lexigate/lexigate/internal/keypool"
	"github.com/lexigate/lexigate/internal/limit"
	"github.com/lexigate/lexigate/internal/transcache"
)

// Upstream describes how translation requests address the generative API.
type Upstream struct {
	BaseURL           string
	APIVersion        string
	Model             string
	SystemInstruction string
}

// Engine coordinates cache, credential pool, executor and semaphore for
// batched translations.
type Engine struct {
	cache    *transcache.Cache
	pool     *keypool.Pool
	exec     *executor.Executor
	sem      *limit.Semaphore
	upstream Upstream

	maxAttempts int
}

// NewEngine wires the translation pipeline together.
func NewEngine(cache *transcache.Cache, pool *keypool.Pool, exec *executor.Executor, sem *limit.Semaphore, upstream Upstream, maxAttempts int) *Engine {
	return &Engine{
		cache:       cache,
		pool:        pool,
		exec:        exec,
		sem:         sem,
		upstream:    upstream,
		maxAttempts: maxAttempts,
	}
}

// TranslateBatch translates textList into targetLang. The result is aligned
// 1:1 with textList regardless of duplicates, cache hits or completion
// order. A text whose upstream response could not be used falls back to its
// original content with detected_source_lang "unknown"; the batch as a whole
// fails only when no upstream response was obtained at all (credential
// exhaustion, persistent network failure, open circuit).
func (e *Engine) TranslateBatch(ctx context.Context, textList []string, targetLang, sourceLang, requestID string) ([]transcache.Record, error) {
	uniqueTexts := make([]string, 0, len(textList))
	textToIndices := make(map[string][]int, len(textList))
	for i, text := range textList {
		if _, seen := textToIndices[text]; !seen {
			uniqueTexts = append(uniqueTexts, text)
		}
		textToIndices[text] = append(textToIndices[text], i)
	}

	results := e.cache.GetMultiple(ctx, uniqueTexts, sourceLang, targetLang)

	var misses []string
	for _, text := range uniqueTexts {
		if _, hit := results[text]; !hit {
			misses = append(misses, text)
		}
	}

	log.WithFields(log.Fields{
		"request_id": requestID,
		"texts":      len(textList),
		"unique":     len(uniqueTexts),
		"cache_hits": len(uniqueTexts) - len(misses),
	}).Debug("translation batch")

	if len(misses) > 0 {
		var mu sync.Mutex
		fresh := make(map[string]transcache.Record, len(misses))

		g, gctx := errgroup.WithContext(ctx)
		for _, text := range misses {
			g.Go(func() error {
				if err := e.sem.Acquire(gctx); err != nil {
					return err
				}
				defer e.sem.Release()

				rec, cacheable, err := e.translateOne(gctx, text, targetLang, sourceLang, requestID)
				if err != nil {
					return err
				}
				mu.Lock()
				results[text] = rec
				if cacheable {
					fresh[text] = rec
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.WithError(err).WithField("request_id", requestID).Error("translation fan-out failed")
			return nil, err
		}

		if len(fresh) > 0 {
			go func() {
				writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				e.cache.SetMultiple(writeCtx, fresh, sourceLang, targetLang)
			}()
		}
	}

	out := make([]transcache.Record, len(textList))
	for text, indices := range textToIndices {
		rec, ok := results[text]
		if !ok {
			rec = failureRecord(text, sourceLang)
		}
		for _, i := range indices {
			out[i] = rec
		}
	}
	return out, nil
}

// translateOne resolves a single text through the retry executor. The
// second return value reports whether the record is a real translation
// worth caching, as opposed to the original-text fallback. A non-nil error
// means no upstream response was obtained at all.
func (e *Engine) translateOne(ctx context.Context, text, targetLang, sourceLang, requestID string) (transcache.Record, bool, error) {
	body, err := e.buildBody(text, targetLang, sourceLang)
	if err != nil {
		return transcache.Record{}, false, err
	}

	resp, err := e.exec.Execute(ctx, executor.Options{
		GetCredential: func(ctx context.Context) (string, error) {
			return e.pool.NextCredential(ctx, keypool.TranslateKeys)
		},
		EvictCredential: func(ctx context.Context, credential string) {
			e.pool.Evict(ctx, keypool.TranslateKeys, credential)
		},
		BuildRequest: func(ctx context.Context, credential string) (*http.Request, error) {
			return e.buildRequest(ctx, credential, body)
		},
		MaxAttempts: e.maxAttempts,
		RequestID:   requestID,
	})
	if resp == nil {
		if err == nil {
			err = fmt.Errorf("translate: no upstream response")
		}
		return transcache.Record{}, false, err
	}
	if !resp.Ok() {
		return failureRecord(text, sourceLang), false, nil
	}

	translated := strings.TrimSpace(gjson.GetBytes(resp.Body, "candidates.0.content.parts.0.text").String())
	if translated == "" {
		return failureRecord(text, sourceLang), false, nil
	}

	detected := sourceLang
	if detected == "" {
		detected = "auto"
	}
	return transcache.Record{DetectedSourceLang: detected, Text: translated}, true, nil
}

// buildBody constructs the frozen upstream request body for one text.
func (e *Engine) buildBody(text, targetLang, sourceLang string) ([]byte, error) {
	// The text is quoted literally; escaping it would change what the model
	// is asked to translate.
	var prompt string
	if sourceLang == "" || sourceLang == "auto" {
		prompt = fmt.Sprintf(`Translate to %s: "%s"`, targetLang, text)
	} else {
		prompt = fmt.Sprintf(`Translate from %s to %s: "%s"`, sourceLang, targetLang, text)
	}

	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "contents.0.parts.0.text", prompt); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "system_instruction.parts.0.text", e.upstream.SystemInstruction); err != nil {
		return nil, err
	}
	return body, nil
}

func (e *Engine) buildRequest(ctx context.Context, credential string, body []byte) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s",
		strings.TrimSuffix(e.upstream.BaseURL, "/"),
		e.upstream.APIVersion,
		e.upstream.Model,
		url.QueryEscape(credential),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func failureRecord(text, sourceLang string) transcache.Record {
	detected := sourceLang
	if detected == "" {
		detected = "unknown"
	}
	return transcache.Record{DetectedSourceLang: detected, Text: text}
}
