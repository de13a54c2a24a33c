// Command server runs the translation gateway, or one of the key
// administration commands when the corresponding flag is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/lexigate/lexigate/internal/admin"
	"github.com/lexigate/lexigate/internal/api"
	"github.com/lexigate/lexigate/internal/breaker"
	"github.com/lexigate/lexigate/internal/config"
	"github.com/lexigate/lexigate/internal/dedup"
	"github.com/lexigate/lexigate/internal/executor"
	"github.com/lexigate/lexigate/internal/keypool"
	"github.com/lexigate/lexigate/internal/kvstore"
	"github.com/lexigate/lexigate/internal/limit"
	"github.com/lexigate/lexigate/internal/logging"
	"github.com/lexigate/lexigate/internal/transcache"
	"github.com/lexigate/lexigate/internal/translate"
	"github.com/lexigate/lexigate/internal/watcher"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	addAuths := flag.String("add-auths", "", "add auth secrets from file and exit")
	deleteAuths := flag.String("delete-auths", "", "delete auth secrets from file and exit")
	expireAuths := flag.Bool("expire-auths", false, "remove expired auth secrets and exit")
	addKeys := flag.String("add-keys", "", "add upstream keys from file and exit")
	deleteKeys := flag.String("delete-keys", "", "delete upstream keys from file and exit")
	checkKeys := flag.String("check-keys", "", "check upstream keys from file (and store) and exit")
	dedupeKeys := flag.String("dedupe-keys", "", "deduplicate a key file in place and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFile)

	store, err := kvstore.New(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to key-value store")
	}
	defer func() { _ = store.Close() }()
	if !store.Available() {
		log.Warn("REDIS_URL not configured; credential sets and caches unavailable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ranAdmin := runAdminCommand(ctx, cfg, store, adminFlags{
		addAuths:    *addAuths,
		deleteAuths: *deleteAuths,
		expireAuths: *expireAuths,
		addKeys:     *addKeys,
		deleteKeys:  *deleteKeys,
		checkKeys:   *checkKeys,
		dedupeKeys:  *dedupeKeys,
	}); ranAdmin {
		return
	}

	pool := keypool.New(store, cfg.CredentialCacheTTL())
	cache := transcache.New(store, cfg.TranslationTTL(), cfg.KeyCacheSize)
	breakers := breaker.NewRegistry(breaker.Settings{})
	exec := executor.New(&http.Client{}, breakers, cfg.RequestTimeout())
	sem := limit.NewSemaphore(cfg.ParallelTranslationLimit)
	engine := translate.NewEngine(cache, pool, exec, sem, translate.Upstream{
		BaseURL:           cfg.GeminiBaseURL,
		APIVersion:        cfg.GeminiAPIVersion,
		Model:             cfg.GeminiModel,
		SystemInstruction: cfg.SystemInstruction,
	}, cfg.MaxRetries)
	coalescer := dedup.New(cfg.DedupTTL())

	server := api.New(cfg, pool, engine, exec, coalescer)

	if *configPath != "" {
		go func() {
			err := watcher.Watch(ctx, *configPath, func(next *config.Config) {
				logging.Setup(next.LogLevel, next.LogFile)
			})
			if err != nil {
				log.WithError(err).Warn("config watcher stopped")
			}
		}()
	}

	if err := server.Run(ctx); err != nil {
		log.WithError(err).Fatal("server terminated")
	}
	log.Info("shutdown complete")
}

type adminFlags struct {
	addAuths    string
	deleteAuths string
	expireAuths bool
	addKeys     string
	deleteKeys  string
	checkKeys   string
	dedupeKeys  string
}

// runAdminCommand executes at most one admin action and reports whether one
// was requested.
func runAdminCommand(ctx context.Context, cfg *config.Config, store kvstore.Store, flags adminFlags) bool {
	checkURL := fmt.Sprintf("%s/%s/models/%s:generateContent",
		strings.TrimSuffix(cfg.GeminiBaseURL, "/"), cfg.GeminiAPIVersion, cfg.GeminiModel)
	tool := admin.New(store, checkURL)

	var err error
	switch {
	case flags.addAuths != "":
		err = tool.AddAuths(ctx, flags.addAuths)
	case flags.deleteAuths != "":
		err = tool.DeleteAuths(ctx, flags.deleteAuths)
	case flags.expireAuths:
		err = tool.ExpireAuths(ctx)
	case flags.addKeys != "":
		err = tool.AddKeys(ctx, flags.addKeys)
	case flags.deleteKeys != "":
		err = tool.DeleteKeys(ctx, flags.deleteKeys)
	case flags.checkKeys != "":
		err = tool.CheckKeys(ctx, flags.checkKeys, "add_keys.txt", "delete_keys.txt", "backend.txt")
	case flags.dedupeKeys != "":
		err = tool.DeduplicateKeys(flags.dedupeKeys)
	default:
		return false
	}
	if err != nil {
		log.WithError(err).Fatal("admin command failed")
	}
	return true
}
