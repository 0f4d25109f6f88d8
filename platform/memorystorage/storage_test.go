package memorystorage

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/ahimsalabs/platform-go/platform"
)

var _ platform.CursorStore = (*Store)(nil)

func TestNew(t *testing.T) {
	s := New()
	if s == nil {
		t.Fatal("New() returned nil")
	}
	if keys := s.Keys(); len(keys) != 0 {
		t.Errorf("new store has keys %v", keys)
	}
}

func TestLoadSave(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		s := New()
		id, ok, err := s.Load(ctx, "feed")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok || id != "" {
			t.Errorf("Load() = %q, %v; want empty, false", id, ok)
		}
	})

	t.Run("save then load", func(t *testing.T) {
		s := New()
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
		s := New()
		s.Save(ctx, "feed", "1")
		s.Save(ctx, "feed", "2")
		id, _, _ := s.Load(ctx, "feed")
		if id != "2" {
			t.Errorf("Load() = %q, want 2", id)
		}
	})

	t.Run("empty key", func(t *testing.T) {
		s := New()
		if err := s.Save(ctx, "", "1"); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("Save() error = %v, want ErrEmptyKey", err)
		}
		if _, _, err := s.Load(ctx, ""); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("Load() error = %v, want ErrEmptyKey", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := New()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := s.Save(cctx, "feed", "1"); !errors.Is(err, context.Canceled) {
			t.Errorf("Save() error = %v, want context.Canceled", err)
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
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
	if got := s.Keys(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("Keys() = %v, want [b]", got)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	s.now = func() time.Time { return now }

	s.Save(ctx, "old", "1")
	now = now.Add(time.Hour)
	s.Save(ctx, "new", "2")

	if n := s.Prune(now.Add(-time.Minute)); n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if got := s.Keys(); !slices.Equal(got, []string{"new"}) {
		t.Errorf("Keys() = %v, want [new]", got)
	}
	if at, ok := s.UpdatedAt("new"); !ok || !at.Equal(now) {
		t.Errorf("UpdatedAt() = %v, %v", at, ok)
	}
}
