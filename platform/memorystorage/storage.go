// Package memorystorage provides an in-memory implementation of platform.CursorStore.
package memorystorage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/go4org/hashtriemap"
)

// ErrEmptyKey is returned for an empty cursor key.
var ErrEmptyKey = errors.New("memorystorage: empty cursor key")

// cursor is one stored resume position.
type cursor struct {
	eventID string
	updated time.Time
}

// Store is an in-memory implementation of platform.CursorStore.
// Uses hashtriemap for lock-free lookups; each Save replaces the entry whole.
type Store struct {
	cursors hashtriemap.HashTrieMap[string, cursor]
	now     func() time.Time
}

// New creates a new in-memory cursor store.
func New() *Store {
	return &Store{now: time.Now}
}

// Load returns the event id stored for key.
func (s *Store) Load(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if key == "" {
		return "", false, ErrEmptyKey
	}
	c, ok := s.cursors.Load(key)
	if !ok {
		return "", false, nil
	}
	return c.eventID, true, nil
}

// Save records eventID for key.
func (s *Store) Save(ctx context.Context, key, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	s.cursors.Store(key, cursor{eventID: eventID, updated: s.now()})
	return nil
}

// Delete forgets key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cursors.Delete(key)
	return nil
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	var keys []string
	s.cursors.Range(func(key string, _ cursor) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// UpdatedAt reports when key was last saved.
func (s *Store) UpdatedAt(key string) (time.Time, bool) {
	c, ok := s.cursors.Load(key)
	return c.updated, ok
}

// Prune deletes cursors not saved since before cutoff and returns how many
// were removed.
func (s *Store) Prune(cutoff time.Time) int {
	var stale []string
	s.cursors.Range(func(key string, c cursor) bool {
		if c.updated.Before(cutoff) {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		s.cursors.Delete(key)
	}
	return len(stale)
}
