// Package breaker wraps upstream calls in per-host circuit breakers.
// Breakers are created on demand and keyed by host; state is process-local.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// Defaults match the gateway's upstream failure profile.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 60 * time.Second
)

// OpenError is returned when a breaker rejects a call without executing it.
type OpenError struct {
	Host       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open for host %s, retry in %s", e.Host, e.RetryAfter.Round(time.Millisecond))
}

// Settings configures the per-host breakers in a registry.
type Settings struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	Timeout          time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

type hostBreaker struct {
	cb *gobreaker.CircuitBreaker[any]

	mu       sync.Mutex
	openedAt time.Time
}

// Registry hands out one breaker per upstream host.
type Registry struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*hostBreaker
}

// NewRegistry creates a registry; zero-valued settings fall back to defaults.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings.withDefaults(),
		breakers: make(map[string]*hostBreaker),
	}
}

func (r *Registry) breakerFor(host string) *hostBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hb, ok := r.breakers[host]; ok {
		return hb
	}

	hb := &hostBreaker{}
	hb.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        host,
		MaxRequests: r.settings.SuccessThreshold,
		Timeout:     r.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				hb.mu.Lock()
				hb.openedAt = time.Now()
				hb.mu.Unlock()
			}
			log.WithFields(log.Fields{
				"host": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("circuit breaker state change")
		},
	})
	r.breakers[host] = hb
	return hb
}

// Execute runs op under the breaker for host. A rejected call returns
// *OpenError carrying the remaining cooldown; execution errors pass through.
func (r *Registry) Execute(host string, op func() (any, error)) (any, error) {
	hb := r.breakerFor(host)
	out, err := hb.cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		hb.mu.Lock()
		openedAt := hb.openedAt
		hb.mu.Unlock()
		retryAfter := r.settings.Timeout - time.Since(openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, &OpenError{Host: host, RetryAfter: retryAfter}
	}
	return out, err
}
