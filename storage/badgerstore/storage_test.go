package badgerstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ahimsalabs/platform-go/platform"
)

var _ platform.CursorStore = (*Store)(nil)

// quietLogger suppresses all Badger output during tests.
type quietLogger struct{}

func (l *quietLogger) Errorf(string, ...interface{})   {}
func (l *quietLogger) Warningf(string, ...interface{}) {}
func (l *quietLogger) Infof(string, ...interface{})    {}
func (l *quietLogger) Debugf(string, ...interface{})   {}

// quietSLog returns a silent slog.Logger for tests.
func quietSLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore creates an in-memory store for testing with background
// goroutines disabled for deterministic behavior.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{
		InMemory:   true,
		Logger:     &quietLogger{},
		SLogger:    quietSLog(),
		GCInterval: -1,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestNew(t *testing.T) {
	t.Run("in memory", func(t *testing.T) {
		s, err := New(Options{InMemory: true, Logger: &quietLogger{}, GCInterval: -1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer s.Close()
	})

	t.Run("on disk", func(t *testing.T) {
		s, err := New(Options{Dir: t.TempDir(), Logger: &quietLogger{}, SLogger: quietSLog(), GCInterval: -1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer s.Close()
	})
}

func TestLoadSave(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		s := newTestStore(t)
		id, ok, err := s.Load(ctx, "feed")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok || id != "" {
			t.Errorf("Load() = %q, %v; want empty, false", id, ok)
		}
	})

	t.Run("save then load", func(t *testing.T) {
		s := newTestStore(t)
		if err := s.Save(ctx, "feed", "42"); err != nil {
			t.Fatalf("save: %v", err)
		}
		id, ok, err := s.Load(ctx, "feed")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !ok || id != "42" {
			t.Errorf("Load() = %q, %v; want 42, true", id, ok)
		}
	})

	t.Run("save overwrites", func(t *testing.T) {
		s := newTestStore(t)
		for _, id := range []string{"1", "2", "2", "3"} {
			if err := s.Save(ctx, "feed", id); err != nil {
				t.Fatalf("save %s: %v", id, err)
			}
		}
		id, _, _ := s.Load(ctx, "feed")
		if id != "3" {
			t.Errorf("Load() = %q, want 3", id)
		}
	})

	t.Run("invalid keys", func(t *testing.T) {
		s := newTestStore(t)
		for _, key := range []string{"", "   ", strings.Repeat("k", MaxKeyLength+1)} {
			if err := s.Save(ctx, key, "1"); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Save(%q) error = %v, want ErrInvalidKey", key, err)
			}
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.Save(ctx, "a", "1")
	s.Save(ctx, "b", "2")

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if _, ok, _ := s.Load(ctx, "a"); ok {
		t.Error("deleted key still present")
	}

	// A save after delete must reach the database even for the same id.
	if err := s.Save(ctx, "a", "1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if !slices.Equal(keys, []string{"a", "b"}) {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(Options{Dir: dir, Logger: &quietLogger{}, SLogger: quietSLog(), GCInterval: -1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(ctx, "feed", "99"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(Options{Dir: dir, Logger: &quietLogger{}, SLogger: quietSLog(), GCInterval: -1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	id, ok, err := s.Load(ctx, "feed")
	if err != nil || !ok || id != "99" {
		t.Errorf("Load() after reopen = %q, %v, %v; want 99, true, nil", id, ok, err)
	}
}

func TestTTL(t *testing.T) {
	ctx := context.Background()
	s, err := New(Options{
		InMemory:   true,
		Logger:     &quietLogger{},
		SLogger:    quietSLog(),
		GCInterval: -1,
		TTL:        time.Second,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Save(ctx, "feed", "1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, _ := s.Load(ctx, "feed"); !ok {
		t.Fatal("cursor missing before expiry")
	}

	// Badger TTLs have one-second granularity.
	time.Sleep(2100 * time.Millisecond)
	if _, ok, _ := s.Load(ctx, "feed"); ok {
		t.Error("cursor still present after TTL")
	}
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	s, err := New(Options{InMemory: true, Logger: &quietLogger{}, GCInterval: -1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := s.Save(ctx, "feed", "1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Save() error = %v, want ErrClosed", err)
	}
	if _, _, err := s.Load(ctx, "feed"); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() error = %v, want ErrClosed", err)
	}
	if err := s.RunGC(); !errors.Is(err, ErrClosed) {
		t.Errorf("RunGC() error = %v, want ErrClosed", err)
	}
}
