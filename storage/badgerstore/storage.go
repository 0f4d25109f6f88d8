// Package badgerstore provides a Badger-backed implementation of platform.CursorStore.
//
// Cursors survive process restarts, so a resumable subscription can continue
// from the last event it received before the process stopped.
//
//   - Value log GC runs in a background goroutine (configurable interval)
//   - Cursors can expire with a TTL, enforced by Badger itself
//   - Single-process only: Badger uses file locking, but no additional fencing is performed
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go4org/hashtriemap"
)

// prefixCursor namespaces cursor keys: cur:{key} -> JSON-encoded record.
const prefixCursor = "cur:"

var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("badgerstore: store closed")

	// ErrInvalidKey is returned for an empty or oversized cursor key.
	ErrInvalidKey = errors.New("badgerstore: invalid cursor key")
)

// record is the persisted form of a cursor.
type record struct {
	EventID string    `json:"event_id"`
	Updated time.Time `json:"updated"`
}

// Store is a Badger-backed implementation of platform.CursorStore.
type Store struct {
	db      *badger.DB
	ttl     time.Duration
	gcRatio float64

	// saved caches the last event id written per key, so repeated saves of
	// the same position skip the write.
	saved hashtriemap.HashTrieMap[string, string]

	shutdownTimeout time.Duration
	logger          *slog.Logger

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
}

// New opens a Badger-backed cursor store.
func New(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory || opts.Dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	logger := opts.SLogger
	if logger == nil {
		logger = slog.Default()
	}

	gcRatio := opts.GCDiscardRatio
	if gcRatio <= 0 || gcRatio >= 1 {
		gcRatio = DefaultGCDiscardRatio
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	s := &Store{
		db:              db,
		ttl:             opts.TTL,
		gcRatio:         gcRatio,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		shutdownCtx:     shutdownCtx,
		shutdownCancel:  shutdownCancel,
	}

	gcInterval := opts.GCInterval
	if gcInterval == 0 {
		gcInterval = DefaultGCInterval
	}
	if gcInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runGCLoop(gcInterval)
		}()
	}

	return s, nil
}

// Close closes the Badger database and stops background goroutines.
// Waits up to ShutdownTimeout for background goroutines to finish gracefully.
// Close is safe to call multiple times - subsequent calls are no-ops.
func (s *Store) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.shutdownCancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.shutdownTimeout):
			s.logger.Warn("badgerstore: shutdown timeout exceeded, proceeding with close",
				"timeout", s.shutdownTimeout)
		}

		closeErr = s.db.Close()
	})

	return closeErr
}

// checkClosed returns ErrClosed if the store has been closed.
func (s *Store) checkClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// RunGC runs Badger's value log garbage collection once.
func (s *Store) RunGC() error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.db.RunValueLogGC(s.gcRatio)
}

// Load returns the event id stored for key.
func (s *Store) Load(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkClosed(); err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixCursor + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("badgerstore: load %q: %w", key, err)
	}
	return rec.EventID, true, nil
}

// Save records eventID for key. Saving the position already stored is a no-op.
func (s *Store) Save(ctx context.Context, key, eventID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if prev, ok := s.saved.Load(key); ok && prev == eventID && s.ttl == 0 {
		return nil
	}

	encoded, err := json.Marshal(record{EventID: eventID, Updated: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("badgerstore: marshal cursor: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(prefixCursor+key), encoded)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badgerstore: save %q: %w", key, err)
	}
	s.saved.Store(key, eventID)
	return nil
}

// Delete forgets key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	s.saved.Delete(key)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixCursor + key))
	})
	if err != nil {
		return fmt.Errorf("badgerstore: delete %q: %w", key, err)
	}
	return nil
}

// Keys returns every stored cursor key in sorted order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixCursor)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().Key()[len(prefixCursor):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list cursors: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
