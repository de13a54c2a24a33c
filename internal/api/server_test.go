package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/tidwall/gjson"

	"github.com/lexigate/lexigate/internal/breaker"
	"github.com/lexigate/lexigate/internal/config"
	"github.com/lexigate/lexigate/internal/dedup"
	"github.com/lexigate/lexigate/internal/executor"
	"github.com/lexigate/lexigate/internal/keypool"
	"github.com/lexigate/lexigate/internal/kvstore"
	"github.com/lexigate/lexigate/internal/limit"
	"github.com/lexigate/lexigate/internal/transcache"
	"github.com/lexigate/lexigate/internal/translate"
)

type testGateway struct {
	server   *Server
	mr       *miniredis.Miniredis
	upstream *httptest.Server
	calls    atomic.Int32
}

// newTestGateway builds the full stack against a stub upstream that
// translates any prompt to a fixed text.
func newTestGateway(t *testing.T, upstreamHandler http.HandlerFunc) *testGateway {
	t.Helper()
	g := &testGateway{}

	if upstreamHandler == nil {
		upstreamHandler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":" Hola "}]}}]}`)
		}
	}
	g.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.calls.Add(1)
		upstreamHandler(w, r)
	}))
	t.Cleanup(g.upstream.Close)

	g.mr = miniredis.RunT(t)
	g.mr.SetAdd("AUTH_SECRET_SET", "GOODKEY")
	g.mr.SetAdd("TRANSLATE_KEY_SET", "TK1", "TK2")
	g.mr.SetAdd("GEMINI_API_KEY_SET", "GK1")

	store, err := kvstore.New("redis://" + g.mr.Addr())
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Port:                     0,
		MaxRetries:               3,
		CacheDurationSeconds:     60,
		TranslationCacheTTL:      3600,
		KeyCacheSize:             100,
		RequestTimeoutMs:         2000,
		ParallelTranslationLimit: 4,
		RequestDedupTTLMs:        100,
		GeminiModel:              "test-model",
		GeminiBaseURL:            g.upstream.URL,
		GeminiAPIVersion:         "v1beta",
		SystemInstruction:        "translate",
	}

	pool := keypool.New(store, cfg.CredentialCacheTTL())
	cache := transcache.New(store, cfg.TranslationTTL(), cfg.KeyCacheSize)
	exec := executor.New(&http.Client{}, breaker.NewRegistry(breaker.Settings{}), cfg.RequestTimeout())
	sem := limit.NewSemaphore(cfg.ParallelTranslationLimit)
	engine := translate.NewEngine(cache, pool, exec, sem, translate.Upstream{
		BaseURL:           cfg.GeminiBaseURL,
		APIVersion:        cfg.GeminiAPIVersion,
		Model:             cfg.GeminiModel,
		SystemInstruction: cfg.SystemInstruction,
	}, cfg.MaxRetries)

	g.server = New(cfg, pool, engine, exec, dedup.New(cfg.DedupTTL()))
	return g
}

func (g *testGateway) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(w, req)
	return w
}

func TestTranslateHappyPath(t *testing.T) {
	g := newTestGateway(t, nil)

	w := g.do(t, "POST", "/translate/GOODKEY", `{"target_lang":"es","text_list":["Hello"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header missing")
	}

	body := w.Body.Bytes()
	if got := gjson.GetBytes(body, "translations.#").Int(); got != 1 {
		t.Fatalf("translations count = %d, body = %s", got, body)
	}
	if got := gjson.GetBytes(body, "translations.0.text").String(); got != "Hola" {
		t.Fatalf("text = %q (upstream whitespace must be trimmed)", got)
	}
	if got := gjson.GetBytes(body, "translations.0.detected_source_lang").String(); got != "auto" {
		t.Fatalf("detected_source_lang = %q", got)
	}

	// The translation was cached.
	deadline := time.Now().Add(time.Second)
	for len(g.mr.Keys()) < 4 { // 3 seed sets + 1 cache entry
		if time.Now().After(deadline) {
			t.Fatalf("no cache entry appeared; keys = %v", g.mr.Keys())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMissingAuth(t *testing.T) {
	g := newTestGateway(t, nil)

	w := g.do(t, "POST", "/translate/", `{"target_lang":"es","text_list":["Hello"]}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "Missing authentication" {
		t.Fatalf("error = %q", got)
	}
	if gjson.Get(w.Body.String(), "requestId").String() == "" {
		t.Fatal("requestId missing from error body")
	}
}

func TestInvalidAuth(t *testing.T) {
	g := newTestGateway(t, nil)

	w := g.do(t, "POST", "/translate/WRONGKEY", `{"target_lang":"es","text_list":["Hello"]}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "Invalid client authentication key" {
		t.Fatalf("error = %q", got)
	}
}

func TestBadRequests(t *testing.T) {
	g := newTestGateway(t, nil)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"missing text_list", `{"target_lang":"es"}`, "text_list must be an array of strings"},
		{"text_list not array", `{"target_lang":"es","text_list":"Hello"}`, "text_list must be an array of strings"},
		{"missing target_lang", `{"text_list":["Hello"]}`, "target_lang is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := g.do(t, "POST", "/translate/GOODKEY", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			if got := gjson.Get(w.Body.String(), "message").String(); got != tt.message {
				t.Fatalf("message = %q, want %q", got, tt.message)
			}
		})
	}
}

func TestBatchSizeLimit(t *testing.T) {
	g := newTestGateway(t, nil)

	texts := make([]string, 101)
	for i := range texts {
		texts[i] = fmt.Sprintf(`"t%d"`, i)
	}
	body := fmt.Sprintf(`{"target_lang":"es","text_list":[%s]}`, strings.Join(texts, ","))

	w := g.do(t, "POST", "/translate/GOODKEY", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "message").String(); got != "Maximum batch size is 100 texts" {
		t.Fatalf("message = %q", got)
	}
}

func TestUpstreamFailureReturnsInternalError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		// Hang past the per-attempt timeout so every attempt fails with
		// no response at all. The body must be drained first: the server
		// only notices the client disconnect (and cancels r.Context())
		// once the request body has been consumed.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	w := g.do(t, "POST", "/translate/GOODKEY", `{"target_lang":"es","text_list":["Hello"]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "An internal error occurred" {
		t.Fatalf("error = %q", got)
	}
	if gjson.Get(w.Body.String(), "requestId").String() == "" {
		t.Fatal("requestId missing")
	}
}

func TestCoalescedDuplicateSubmissions(t *testing.T) {
	release := make(chan struct{})
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hola"}]}}]}`)
	})

	body := `{"target_lang":"es","text_list":["Hello"]}`
	const clients = 4
	responses := make([]*httptest.ResponseRecorder, clients)

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = g.do(t, "POST", "/translate/GOODKEY", body)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	first := responses[0].Body.Bytes()
	for i, w := range responses {
		if w.Code != http.StatusOK {
			t.Fatalf("client %d status = %d", i, w.Code)
		}
		if !bytes.Equal(w.Body.Bytes(), first) {
			t.Fatalf("client %d received a different body", i)
		}
	}
	if calls := g.calls.Load(); calls != 1 {
		t.Fatalf("upstream calls = %d, want 1 (duplicates must coalesce)", calls)
	}
}

func TestHealthAndRoot(t *testing.T) {
	g := newTestGateway(t, nil)

	w := g.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "status").String(); got != "healthy" {
		t.Fatalf("health status field = %q", got)
	}
	if gjson.Get(w.Body.String(), "timestamp").String() == "" {
		t.Fatal("timestamp missing")
	}

	w = g.do(t, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("root status = %d", w.Code)
	}

	w = g.do(t, "GET", "/favicon.ico", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("favicon status = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	g := newTestGateway(t, nil)

	w := g.do(t, "OPTIONS", "/translate/GOODKEY", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS origin header missing")
	}
}

func TestPassthroughInjectsCredential(t *testing.T) {
	var gotKey atomic.Value
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("x-goog-api-key"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"models":[{"name":"test-model"}]}`)
	})

	w := g.do(t, "GET", "/v1beta/models?pageSize=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := gjson.Get(w.Body.String(), "models.0.name").String(); got != "test-model" {
		t.Fatalf("body not forwarded verbatim: %s", w.Body.String())
	}
	if key, _ := gotKey.Load().(string); key != "GK1" {
		t.Fatalf("upstream saw credential %q, want GK1", key)
	}
}

func TestPassthroughWithoutCredentialsAnswers503(t *testing.T) {
	g := newTestGateway(t, nil)
	g.mr.Del("GEMINI_API_KEY_SET")

	w := g.do(t, "GET", "/v1beta/models", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "An internal error occurred" {
		t.Fatalf("error = %q", got)
	}
	if calls := g.calls.Load(); calls != 0 {
		t.Fatalf("upstream calls = %d, want 0", calls)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "my-id-123")
	w := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "my-id-123" {
		t.Fatalf("X-Request-ID = %q, want my-id-123", got)
	}
}
