// Package admin implements the operator tooling for the shared key store:
// bulk add/remove of client auth secrets and upstream API keys, expiration
// sweeps and live key validity checks.
package admin

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lexigate/lexigate/internal/kvstore"
	"github.com/lexigate/lexigate/internal/util"
)

const (
	authSecretSet      = "AUTH_SECRET_SET"
	authExpirationHash = "AUTH_SECRET_EXPIRATION_HASH"
	geminiKeySet       = "GEMINI_API_KEY_SET"

	checkMaxWorkers = 10
	checkMaxRetries = 3
	checkRetryDelay = 2 * time.Second
	checkTimeout    = 20 * time.Second

	defaultAuthValidityDays = 30
)

// Tool bundles the store handle and upstream addressing for admin commands.
type Tool struct {
	store    kvstore.Store
	checkURL string
}

// New creates a tool. checkURL is the full generateContent endpoint without
// the key query parameter.
func New(store kvstore.Store, checkURL string) *Tool {
	return &Tool{store: store, checkURL: checkURL}
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	sort.Strings(lines)
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// AddAuths adds client auth secrets from a file. Each line is
// "<secret> [validity-days]"; the default validity is 30 days. Expirations
// are recorded in the expiration hash and the file is cleared on success.
func (t *Tool) AddAuths(ctx context.Context, path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("admin: no secrets found in %s", path)
	}

	for _, line := range lines {
		fields := strings.Fields(line)
		secret := fields[0]
		days := defaultAuthValidityDays
		if len(fields) > 1 {
			if n, errDays := strconv.Atoi(fields[1]); errDays == nil && n > 0 {
				days = n
			}
		}
		expiration := time.Now().Unix() + int64(days)*24*60*60

		if err := t.store.AddMember(ctx, authSecretSet, secret); err != nil {
			return err
		}
		if err := t.store.HSet(ctx, authExpirationHash, secret, strconv.FormatInt(expiration, 10)); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"secret": util.HideAPIKey(secret),
			"days":   days,
		}).Info("auth secret added")
	}
	return os.WriteFile(path, nil, 0o644)
}

// DeleteAuths removes the secrets listed in path from the auth set and the
// expiration hash.
func (t *Tool) DeleteAuths(ctx context.Context, path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	for _, secret := range lines {
		if err := t.store.RemoveMember(ctx, authSecretSet, secret); err != nil {
			return err
		}
	}
	if err := t.store.HDel(ctx, authExpirationHash, lines...); err != nil {
		return err
	}
	log.WithField("count", len(lines)).Info("auth secrets removed")
	return os.WriteFile(path, nil, 0o644)
}

// ExpireAuths removes secrets whose expiration timestamp has passed.
// Unparseable timestamps count as expired.
func (t *Tool) ExpireAuths(ctx context.Context) error {
	all, err := t.store.HGetAll(ctx, authExpirationHash)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	var expired []string
	for secret, raw := range all {
		ts, errParse := strconv.ParseInt(raw, 10, 64)
		if errParse != nil || ts < now {
			expired = append(expired, secret)
		}
	}
	if len(expired) == 0 {
		log.Info("no expired auth secrets")
		return nil
	}

	for _, secret := range expired {
		if err := t.store.RemoveMember(ctx, authSecretSet, secret); err != nil {
			return err
		}
	}
	if err := t.store.HDel(ctx, authExpirationHash, expired...); err != nil {
		return err
	}
	log.WithField("count", len(expired)).Info("expired auth secrets removed")
	return nil
}

// AddKeys adds upstream API keys from a file to the Gemini key set and
// clears the file.
func (t *Tool) AddKeys(ctx context.Context, path string) error {
	return t.applyKeyFile(ctx, path, t.store.AddMember, "upstream keys added")
}

// DeleteKeys removes upstream API keys listed in a file from the Gemini key
// set and clears the file.
func (t *Tool) DeleteKeys(ctx context.Context, path string) error {
	return t.applyKeyFile(ctx, path, t.store.RemoveMember, "upstream keys removed")
}

func (t *Tool) applyKeyFile(ctx context.Context, path string, op func(context.Context, string, string) error, msg string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("admin: no keys found in %s", path)
	}
	for _, key := range lines {
		if err := op(ctx, geminiKeySet, key); err != nil {
			return err
		}
	}
	log.WithField("count", len(lines)).Info(msg)
	return os.WriteFile(path, nil, 0o644)
}

// DeduplicateKeys rewrites the key file at path with duplicates removed and
// the remaining keys sorted.
func (t *Tool) DeduplicateKeys(path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("admin: no keys found in %s", path)
	}
	seen := make(map[string]struct{}, len(lines))
	unique := lines[:0]
	for _, key := range lines {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	if err := writeLines(path, unique); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"total":  len(lines),
		"unique": len(unique),
	}).Info("key file deduplicated")
	return nil
}

// CheckKeys probes the union of the keys in path (optional) and the Gemini
// key set against the upstream. Keys answering 200 or 429 are active; 403
// or 503, or persistent failure, invalid. Active keys missing from the set
// are written to addPath; invalid keys present in the set to deletePath.
// The resulting valid set (members plus additions minus removals) is backed
// up to backupPath.
func (t *Tool) CheckKeys(ctx context.Context, path, addPath, deletePath, backupPath string) error {
	inSet := make(map[string]bool)
	members, err := t.store.Members(ctx, geminiKeySet)
	if err != nil {
		return err
	}
	union := make(map[string]struct{}, len(members))
	for _, k := range members {
		inSet[k] = true
		union[k] = struct{}{}
	}
	if path != "" {
		if lines, errRead := readLines(path); errRead == nil {
			for _, k := range lines {
				union[k] = struct{}{}
			}
		}
	}
	if len(union) == 0 {
		return fmt.Errorf("admin: no keys to check")
	}

	client := req.C().SetTimeout(checkTimeout)

	var mu sync.Mutex
	var active, invalid []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkMaxWorkers)
	for key := range union {
		g.Go(func() error {
			ok := t.probeKey(gctx, client, key)
			mu.Lock()
			if ok {
				active = append(active, key)
			} else {
				invalid = append(invalid, key)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var toAdd, toRemove []string
	for _, k := range active {
		if !inSet[k] {
			toAdd = append(toAdd, k)
		}
	}
	for _, k := range invalid {
		if inSet[k] {
			toRemove = append(toRemove, k)
		}
	}

	if err := writeLines(addPath, toAdd); err != nil {
		return err
	}
	if err := writeLines(deletePath, toRemove); err != nil {
		return err
	}

	removed := make(map[string]bool, len(toRemove))
	for _, k := range toRemove {
		removed[k] = true
	}
	var final []string
	for k := range inSet {
		if !removed[k] {
			final = append(final, k)
		}
	}
	final = append(final, toAdd...)
	if err := writeLines(backupPath, final); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"checked": len(union),
		"active":  len(active),
		"invalid": len(invalid),
		"add":     len(toAdd),
		"remove":  len(toRemove),
		"backup":  backupPath,
	}).Info("key check complete")
	return nil
}

// probeKey sends a trivial generation request with the key. Transport
// errors and unexpected statuses retry up to checkMaxRetries before the key
// is declared invalid.
func (t *Tool) probeKey(ctx context.Context, client *req.Client, key string) bool {
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": "hello"}}},
		},
	}
	for i := 0; i < checkMaxRetries; i++ {
		resp, err := client.R().
			SetContext(ctx).
			SetQueryParam("key", key).
			SetBodyJsonMarshal(body).
			Post(t.checkURL)
		if err == nil {
			switch resp.StatusCode {
			case 200, 429:
				return true
			case 403, 503:
				return false
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(checkRetryDelay):
		}
	}
	return false
}
