// Package executor drives upstream requests through the credential-cycling
// retry loop: per-status policies, bounded backoff, per-host circuit
// breaking and caller-supplied response validation.
package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lexigate/lexigate/internal/breaker"
	"github.com/lexigate/lexigate/internal/logging"
	"github.com/lexigate/lexigate/internal/util"
)

// DefaultMaxAttempts bounds the attempt loop when the caller does not.
const DefaultMaxAttempts = 20

// maxBackoff caps both the rate-limit and the exponential delay schedules.
const maxBackoff = 5 * time.Second

// Response is an upstream response with its body fully buffered. Validators
// and callers read the same bytes; nothing is consumed twice.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Ok reports whether the status code is in the 2xx range.
func (r *Response) Ok() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Options describes one retry-executed call.
type Options struct {
	// GetCredential yields the next credential to try.
	GetCredential func(ctx context.Context) (string, error)

	// EvictCredential removes a credential the upstream rejected with 403.
	EvictCredential func(ctx context.Context, credential string)

	// BuildRequest constructs the outbound request for a credential.
	BuildRequest func(ctx context.Context, credential string) (*http.Request, error)

	// ValidateResponse accepts or rejects a non-retried response.
	// Defaults to ValidateJSONResponse.
	ValidateResponse func(*Response) bool

	// MaxAttempts bounds the loop; defaults to DefaultMaxAttempts.
	MaxAttempts int

	// RequestID tags log lines for this call.
	RequestID string
}

// Executor runs retry loops over a shared HTTP client and breaker registry.
type Executor struct {
	client         *http.Client
	breakers       *breaker.Registry
	attemptTimeout time.Duration
}

// New creates an executor. attemptTimeout caps each individual upstream
// attempt; the loop as a whole runs until attempts are exhausted or ctx ends.
func New(client *http.Client, breakers *breaker.Registry, attemptTimeout time.Duration) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{client: client, breakers: breakers, attemptTimeout: attemptTimeout}
}

// Execute runs the attempt loop described by opts. It returns the first
// validated response; failing that, the last response the upstream produced
// (so callers see a status code instead of nothing); failing that, the last
// error.
func (e *Executor) Execute(ctx context.Context, opts Options) (*Response, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	validate := opts.ValidateResponse
	if validate == nil {
		validate = ValidateJSONResponse
	}

	tried := make(map[string]struct{}, maxAttempts)
	var lastResp *Response
	var lastErr error

	for attempt, skips := 0, 0; attempt < maxAttempts; attempt++ {
		credential, errCred := opts.GetCredential(ctx)
		if errCred != nil {
			return lastResp, errCred
		}
		if _, seen := tried[credential]; seen {
			// The pool has wrapped around; skipping does not consume an
			// attempt, but the skip loop itself is bounded.
			skips++
			if skips >= maxAttempts {
				break
			}
			attempt--
			continue
		}
		tried[credential] = struct{}{}

		resp, errDo := e.attempt(ctx, opts, credential)
		if errDo != nil {
			lastErr = errDo
			log.WithFields(log.Fields{
				"request_id": opts.RequestID,
				"attempt":    attempt + 1,
				"key":        util.HideAPIKey(credential),
				"error":      errDo.Error(),
			}).Warn("upstream attempt failed")
			if attempt == maxAttempts-1 {
				break
			}
			if errWait := waitForDuration(ctx, exponentialDelay(attempt)); errWait != nil {
				return lastResp, errWait
			}
			continue
		}

		lastResp = resp
		switch {
		case resp.StatusCode == http.StatusForbidden:
			if opts.EvictCredential != nil {
				opts.EvictCredential(ctx, credential)
			}
		case resp.StatusCode == http.StatusTooManyRequests:
			log.WithFields(log.Fields{
				"request_id": opts.RequestID,
				"attempt":    attempt + 1,
			}).Info("upstream rate limited, backing off")
			if attempt == maxAttempts-1 {
				break
			}
			if errWait := waitForDuration(ctx, rateLimitDelay(attempt)); errWait != nil {
				return lastResp, errWait
			}
		case resp.StatusCode >= http.StatusInternalServerError:
			if attempt == maxAttempts-1 {
				break
			}
			if errWait := waitForDuration(ctx, exponentialDelay(attempt)); errWait != nil {
				return lastResp, errWait
			}
		default:
			if validate(resp) {
				return resp, nil
			}
			if logging.Verbose() {
				log.WithFields(log.Fields{
					"request_id": opts.RequestID,
					"status":     resp.StatusCode,
					"body":       bodySnippet(resp.Body),
				}).Debug("upstream response failed validation")
			}
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("executor: no attempt produced a response")
}

// attempt performs one breaker-guarded request with the per-attempt timeout
// and buffers the response body.
func (e *Executor) attempt(ctx context.Context, opts Options, credential string) (*Response, error) {
	attemptCtx := ctx
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}

	req, err := opts.BuildRequest(attemptCtx, credential)
	if err != nil {
		return nil, err
	}

	host := req.URL.Host
	out, err := e.breakers.Execute(host, func() (any, error) {
		httpResp, errDo := e.client.Do(req)
		if errDo != nil {
			return nil, errDo
		}
		defer func() { _ = httpResp.Body.Close() }()
		body, errRead := io.ReadAll(httpResp.Body)
		if errRead != nil {
			return nil, errRead
		}
		return &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header.Clone(),
			Body:       body,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func bodySnippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// rateLimitDelay implements the 429 schedule: 1s, 2s, ... capped at 5s.
func rateLimitDelay(attempt int) time.Duration {
	d := time.Duration(attempt+1) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// exponentialDelay implements the failure schedule: 100ms doubling, capped
// at 5s.
func exponentialDelay(attempt int) time.Duration {
	if attempt > 10 {
		return maxBackoff
	}
	d := 100 * time.Millisecond << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func waitForDuration(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ValidateJSONResponse is the default validator: a JSON response must parse
// to a non-empty object; any other content passes if the status is 2xx and
// the body is non-empty.
func ValidateJSONResponse(resp *Response) bool {
	if resp == nil || !resp.Ok() {
		return false
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "json") {
		parsed := gjson.ParseBytes(resp.Body)
		return parsed.IsObject() && len(parsed.Map()) > 0
	}
	return len(resp.Body) > 0
}
