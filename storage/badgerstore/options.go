package badgerstore

import (
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Defaults for zero-valued Options fields.
const (
	DefaultGCInterval      = 5 * time.Minute
	DefaultGCDiscardRatio  = 0.5
	DefaultShutdownTimeout = 30 * time.Second

	// MaxKeyLength is the longest accepted cursor key, in bytes.
	MaxKeyLength = 1024
)

// Options configures the Badger cursor store.
type Options struct {
	// Dir is the directory for Badger data files.
	// If empty, uses in-memory mode (for testing).
	Dir string

	// InMemory runs Badger in memory-only mode.
	InMemory bool

	// Logger for Badger. If nil, uses default (logs to stderr).
	Logger badger.Logger

	// SLogger is a structured logger for badgerstore operations.
	// If nil, uses slog.Default().
	SLogger *slog.Logger

	// TTL expires cursors that have not been saved for this long.
	// Zero keeps cursors forever.
	TTL time.Duration

	// GCInterval is how often to run Badger's value log GC.
	// Default: 5 minutes. Set to -1 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the fraction of a value log file that must be stale
	// before GC rewrites it. Default: 0.5.
	GCDiscardRatio float64

	// ShutdownTimeout bounds how long Close waits for the GC goroutine
	// before closing the database anyway. Default: 30 seconds.
	ShutdownTimeout time.Duration
}

// validateKey checks that key is usable as a cursor key.
func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	return nil
}
