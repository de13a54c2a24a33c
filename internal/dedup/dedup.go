// Package dedup coalesces identical concurrent requests into a single
// pipeline execution. Joiners share the leader's response; entries linger
// for a short tail window after completion so immediate repeats still join.
package dedup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Result is the response shared between the leader and its joiners.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

type entry struct {
	done   chan struct{}
	result *Result
	err    error
}

// Coalescer maps request fingerprints to in-flight results.
type Coalescer struct {
	ttl time.Duration

	mu       sync.Mutex
	inflight map[string]*entry
}

// New creates a coalescer with the given tail window.
func New(ttl time.Duration) *Coalescer {
	return &Coalescer{
		ttl:      ttl,
		inflight: make(map[string]*entry),
	}
}

// Fingerprint derives the canonical identity of a request. Idempotent verbs
// key on the full URL; POST keys on the path plus a body digest. When a POST
// body could not be read the key is time-salted, which intentionally defeats
// coalescing for that request.
func Fingerprint(method, fullURL, path string, body []byte, bodyErr error) string {
	if method != http.MethodPost {
		return method + ":" + fullURL
	}
	if bodyErr != nil {
		return fmt.Sprintf("%s:%s:%d", method, path, time.Now().UnixNano())
	}
	sum := sha1.Sum(body)
	return method + ":" + path + ":" + hex.EncodeToString(sum[:])
}

// Do executes fn once per fingerprint. Concurrent callers with the same key
// block until the leader finishes and receive the identical result. The
// second return value reports whether this caller joined an existing flight.
func (c *Coalescer) Do(ctx context.Context, key string, fn func() (*Result, error)) (*Result, bool, error) {
	c.mu.Lock()
	if e, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-e.done:
			return e.result, true, e.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	e := &entry{done: make(chan struct{})}
	c.inflight[key] = e
	c.mu.Unlock()

	e.result, e.err = fn()
	close(e.done)

	time.AfterFunc(c.ttl, func() {
		c.mu.Lock()
		if cur, ok := c.inflight[key]; ok && cur == e {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	})

	return e.result, false, e.err
}
