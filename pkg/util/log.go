package util

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the logging level
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput sets the log output destination
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// WithField returns a logger with a field
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// Warnf logs a warning message
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// ============================================================================
// Debug categories
// ============================================================================

// DebugCategory selects a class of debug messages toggled through the
// LSDN_DEBUG environment variable.
type DebugCategory string

const (
	// DebugNetOps traces calls into the per-network-type operation table.
	DebugNetOps DebugCategory = "netops"
	// DebugRules traces every ruleset write issued to the kernel.
	DebugRules DebugCategory = "rules"
)

var debugCategories = []DebugCategory{DebugNetOps, DebugRules}

var (
	debugOnce sync.Once
	debugMask map[DebugCategory]bool
)

// debugFromEnv parses LSDN_DEBUG, a comma-separated list of category names or
// "all". An unknown value aborts the process.
func debugFromEnv() {
	debugMask = make(map[DebugCategory]bool)
	env := os.Getenv("LSDN_DEBUG")
	if env == "" {
		return
	}
	for _, tok := range strings.Split(env, ",") {
		if tok == "all" {
			for _, c := range debugCategories {
				debugMask[c] = true
			}
			continue
		}
		found := false
		for _, c := range debugCategories {
			if string(c) == tok {
				debugMask[c] = true
				found = true
			}
		}
		if !found {
			Logger.Fatalf("Unknown LSDN_DEBUG value: %s", tok)
		}
	}
}

// DebugEnabled reports whether the given debug category is active.
func DebugEnabled(category DebugCategory) bool {
	debugOnce.Do(debugFromEnv)
	return debugMask[category]
}

// Debugf logs a message for the given category, if it is enabled. Category
// messages are logged at debug level, or at info level when the logger is set
// below debug, so they show at the default level; a logger level below info
// still suppresses them.
func Debugf(category DebugCategory, format string, args ...interface{}) {
	if !DebugEnabled(category) {
		return
	}
	entry := Logger.WithField("category", string(category))
	if Logger.GetLevel() < logrus.DebugLevel {
		entry.Logf(logrus.InfoLevel, format, args...)
		return
	}
	entry.Debugf(format, args...)
}
