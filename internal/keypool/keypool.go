// Package keypool manages the rotating credential sets backed by the
// key-value store: cached loads with thundering-herd control, round-robin
// selection, eviction of invalid credentials and client auth validation.
package keypool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/lexigate/lexigate/internal/kvstore"
	"github.com/lexigate/lexigate/internal/util"
)

// Set identifies one of the managed credential sets.
type Set string

const (
	GeminiKeys    Set = "gemini"
	TranslateKeys Set = "translate"
	AuthSecrets   Set = "auth"
)

// Store key names. These are persistent and shared with the admin tooling.
const (
	geminiKeySet    = "GEMINI_API_KEY_SET"
	translateKeySet = "TRANSLATE_KEY_SET"
	authSecretSet   = "AUTH_SECRET_SET"

	geminiKeyIndex    = "GEMINI_API_KEY_INDEX"
	translateKeyIndex = "TRANSLATE_KEY_INDEX"
)

// persistEvery is the selection interval between best-effort counter writes.
const persistEvery = 100

// NoCredentialsError reports an empty credential set after a load.
type NoCredentialsError struct {
	Set Set
}

func (e *NoCredentialsError) Error() string {
	return fmt.Sprintf("keypool: no credentials available in set %q", e.Set)
}

func (s Set) storeKey() string {
	switch s {
	case GeminiKeys:
		return geminiKeySet
	case TranslateKeys:
		return translateKeySet
	case AuthSecrets:
		return authSecretSet
	}
	return string(s)
}

func (s Set) counterKey() string {
	switch s {
	case GeminiKeys:
		return geminiKeyIndex
	case TranslateKeys:
		return translateKeyIndex
	}
	return ""
}

type cacheEntry struct {
	values   []string
	loadedAt time.Time
	counter  uint64
}

// Pool owns the per-set credential caches and round-robin counters.
type Pool struct {
	store kvstore.Store
	ttl   time.Duration

	mu      sync.Mutex
	entries map[Set]*cacheEntry
	loads   singleflight.Group

	now func() time.Time
}

// New creates a pool over the given store with the given cache TTL.
func New(store kvstore.Store, ttl time.Duration) *Pool {
	return &Pool{
		store:   store,
		ttl:     ttl,
		entries: make(map[Set]*cacheEntry),
		now:     time.Now,
	}
}

// load returns the cached values for set, refreshing from the store when the
// cache is stale. Concurrent refreshes for the same set collapse into a
// single Members call.
func (p *Pool) load(ctx context.Context, set Set) ([]string, error) {
	p.mu.Lock()
	if e, ok := p.entries[set]; ok && p.now().Sub(e.loadedAt) < p.ttl {
		values := e.values
		p.mu.Unlock()
		return values, nil
	}
	p.mu.Unlock()

	v, err, _ := p.loads.Do(string(set), func() (any, error) {
		// Re-check under the flight: a concurrent loader may have
		// refreshed the entry while this caller was queueing.
		p.mu.Lock()
		if e, ok := p.entries[set]; ok && p.now().Sub(e.loadedAt) < p.ttl {
			values := e.values
			p.mu.Unlock()
			return values, nil
		}
		p.mu.Unlock()

		values, errMembers := p.store.Members(ctx, set.storeKey())
		if errMembers != nil {
			return nil, errMembers
		}
		if len(values) == 0 {
			return nil, &NoCredentialsError{Set: set}
		}

		// First load after a restart resumes from the persisted counter so
		// rotation does not restart at the same credential every boot.
		var persisted int64
		p.mu.Lock()
		prev := p.entries[set]
		p.mu.Unlock()
		if prev == nil {
			if counterKey := set.counterKey(); counterKey != "" {
				if n, errGet := p.store.GetInt(ctx, counterKey); errGet == nil {
					persisted = n
				}
			}
		}

		p.mu.Lock()
		e := &cacheEntry{values: values, loadedAt: p.now()}
		if prev != nil {
			e.counter = prev.counter
		} else if persisted > 0 {
			e.counter = uint64(persisted)
		}
		p.entries[set] = e
		p.mu.Unlock()
		return values, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// NextCredential returns the next credential from set under round-robin
// rotation. The counter advances atomically per selection and is persisted
// to the store every persistEvery selections as a best-effort write.
func (p *Pool) NextCredential(ctx context.Context, set Set) (string, error) {
	if _, err := p.load(ctx, set); err != nil {
		return "", err
	}

	p.mu.Lock()
	e, ok := p.entries[set]
	if !ok || len(e.values) == 0 {
		p.mu.Unlock()
		return "", &NoCredentialsError{Set: set}
	}
	e.counter++
	idx := e.counter % uint64(len(e.values))
	cred := e.values[idx]
	counter := e.counter
	p.mu.Unlock()

	if counterKey := set.counterKey(); counterKey != "" && counter%persistEvery == 0 {
		go func() {
			persistCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.store.SetInt(persistCtx, counterKey, int64(counter)); err != nil {
				log.WithError(err).WithField("set", set).Debug("credential counter persistence failed")
			}
		}()
	}
	return cred, nil
}

// Evict removes credential from set locally and in the store. The relative
// order of the remaining values is preserved; selection never blocks on the
// store write.
func (p *Pool) Evict(ctx context.Context, set Set, credential string) {
	p.mu.Lock()
	if e, ok := p.entries[set]; ok {
		e.values = slices.DeleteFunc(slices.Clone(e.values), func(v string) bool {
			return v == credential
		})
	}
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"set": set,
		"key": util.HideAPIKey(credential),
	}).Warn("evicting invalid credential")

	if err := p.store.RemoveMember(ctx, set.storeKey(), credential); err != nil {
		log.WithError(err).WithField("set", set).Warn("credential eviction store write failed")
	}
}

// ValidateAuth reports whether secret is a known client authentication key.
// A cache hit short-circuits; a miss falls back to a store membership probe
// and warms the cache on success. Default deny when the store is unavailable.
func (p *Pool) ValidateAuth(ctx context.Context, secret string) bool {
	if secret == "" {
		return false
	}

	if values, err := p.load(ctx, AuthSecrets); err == nil {
		if slices.Contains(values, secret) {
			return true
		}
	}

	ok, err := p.store.IsMember(ctx, authSecretSet, secret)
	if err != nil {
		log.WithError(err).Debug("auth secret membership probe failed")
		return false
	}
	if ok {
		p.mu.Lock()
		if e, exists := p.entries[AuthSecrets]; exists && !slices.Contains(e.values, secret) {
			e.values = append(slices.Clone(e.values), secret)
		}
		p.mu.Unlock()
	}
	return ok
}

// Invalidate drops the cached entry for set, forcing a reload on next use.
func (p *Pool) Invalidate(set Set) {
	p.mu.Lock()
	delete(p.entries, set)
	p.mu.Unlock()
}
