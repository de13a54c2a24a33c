// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var verboseEnabled atomic.Bool

// Verbose reports whether upstream body snippets may be captured in hot
// paths. Enabled at debug level, or forced either way with VERBOSE_LOGGING.
func Verbose() bool {
	return verboseEnabled.Load()
}

func applyVerbose(level string) {
	verbose := level == "debug"
	switch strings.ToLower(strings.TrimSpace(os.Getenv("VERBOSE_LOGGING"))) {
	case "1", "true", "yes", "on":
		verbose = true
	case "0", "false", "no", "off":
		verbose = false
	}
	verboseEnabled.Store(verbose)
}

// Setup configures the global logger from the given level string
// (none/error/warn/info/debug) and an optional rotated log file.
func Setup(level, file string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level = strings.ToLower(strings.TrimSpace(level))
	applyVerbose(level)

	switch level {
	case "none":
		log.SetOutput(io.Discard)
		return
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if file = strings.TrimSpace(file); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
		return
	}
	log.SetOutput(os.Stdout)
}
