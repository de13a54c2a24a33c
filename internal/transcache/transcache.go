// Package transcache is the content-addressed translation cache. Keys are a
// pure function of (text, source language, target language); records live in
// the key-value store under a fixed prefix with a configurable TTL.
package transcache

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lexigate/lexigate/internal/kvstore"
)

const keyPrefix = "translation:"

// shortIdentifierLimit is the identifier length below which keys use
// url-safe base64 instead of a SHA-1 digest.
const shortIdentifierLimit = 100

// Record is a single cached translation.
type Record struct {
	DetectedSourceLang string `json:"detected_source_lang"`
	Text               string `json:"text"`
}

// Cache reads and writes translation records, with a bounded local memo for
// derived keys.
type Cache struct {
	store kvstore.Store
	ttl   time.Duration

	mu       sync.Mutex
	memo     map[string]string
	memoFIFO []string
	memoCap  int
}

// New creates a cache over store with the given record TTL and key-memo
// capacity.
func New(store kvstore.Store, ttl time.Duration, memoCap int) *Cache {
	if memoCap <= 0 {
		memoCap = 1
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		memo:    make(map[string]string, memoCap),
		memoCap: memoCap,
	}
}

func normalizeSource(sourceLang string) string {
	if sourceLang == "" {
		return "auto"
	}
	return sourceLang
}

// Key derives the store key for a (text, sourceLang, targetLang) triple.
// Equal inputs always produce equal keys.
func (c *Cache) Key(text, sourceLang, targetLang string) string {
	identifier := text + ":" + normalizeSource(sourceLang) + ":" + targetLang

	c.mu.Lock()
	if k, ok := c.memo[identifier]; ok {
		c.mu.Unlock()
		return k
	}
	c.mu.Unlock()

	var key string
	if len(identifier) < shortIdentifierLimit {
		key = keyPrefix + base64.URLEncoding.EncodeToString([]byte(identifier))
	} else {
		sum := sha1.Sum([]byte(identifier))
		key = keyPrefix + hex.EncodeToString(sum[:])
	}

	c.mu.Lock()
	if _, ok := c.memo[identifier]; !ok {
		if len(c.memoFIFO) >= c.memoCap {
			oldest := c.memoFIFO[0]
			c.memoFIFO = c.memoFIFO[1:]
			delete(c.memo, oldest)
		}
		c.memo[identifier] = key
		c.memoFIFO = append(c.memoFIFO, identifier)
	}
	c.mu.Unlock()
	return key
}

// Get returns the cached record for a single text, if any. Store failures
// degrade to a miss.
func (c *Cache) Get(ctx context.Context, text, sourceLang, targetLang string) (Record, bool) {
	raw, ok, err := c.store.Get(ctx, c.Key(text, sourceLang, targetLang))
	if err != nil || !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// GetMultiple looks up a batch of texts in a single round trip and returns
// the hits keyed by text. An unavailable store yields no hits.
func (c *Cache) GetMultiple(ctx context.Context, texts []string, sourceLang, targetLang string) map[string]Record {
	hits := make(map[string]Record, len(texts))
	if len(texts) == 0 {
		return hits
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.Key(t, sourceLang, targetLang)
	}
	values, err := c.store.MGet(ctx, keys)
	if err != nil {
		if err != kvstore.ErrUnavailable {
			log.WithError(err).Debug("translation cache batch read failed")
		}
		return hits
	}
	for i, v := range values {
		if !v.OK {
			continue
		}
		var rec Record
		if json.Unmarshal([]byte(v.Data), &rec) == nil {
			hits[texts[i]] = rec
		}
	}
	return hits
}

// Set writes a single record. Failures are logged and dropped.
func (c *Cache) Set(ctx context.Context, text, sourceLang, targetLang string, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.store.SetWithTTL(ctx, c.Key(text, sourceLang, targetLang), string(data), c.ttl); err != nil {
		if err != kvstore.ErrUnavailable {
			log.WithError(err).Debug("translation cache write failed")
		}
	}
}

// SetMultiple writes a batch of records in one pipeline. Failures are
// logged and dropped; the caller never blocks on cache durability.
func (c *Cache) SetMultiple(ctx context.Context, records map[string]Record, sourceLang, targetLang string) {
	if len(records) == 0 {
		return
	}
	entries := make([]kvstore.Entry, 0, len(records))
	for text, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		entries = append(entries, kvstore.Entry{Key: c.Key(text, sourceLang, targetLang), Value: string(data)})
	}
	if err := c.store.MSetWithTTL(ctx, entries, c.ttl); err != nil {
		if err != kvstore.ErrUnavailable {
			log.WithError(err).Debug("translation cache batch write failed")
		}
	}
}
