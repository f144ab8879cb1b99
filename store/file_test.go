package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := a.Set(ctx, KeyToken, "tok"); err != nil {
		t.Fatalf("set: %v", err)
	}

	b, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	v, ok, err := b.Get(ctx, KeyToken)
	if err != nil || !ok || v != "tok" {
		t.Fatalf("get from second instance: v=%q ok=%v err=%v", v, ok, err)
	}

	info, err := os.Stat(filepath.Join(dir, KeyToken))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	if err := b.Remove(ctx, KeyToken); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := b.Remove(ctx, KeyToken); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, ok, _ := a.Get(ctx, KeyToken); ok {
		t.Fatal("expected token removed")
	}
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		if err := s.Set(context.Background(), key, "v"); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestFileStoreWatchReportsForeignWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	local, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	other, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	events, err := local.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := other.Set(ctx, KeyToken, "foreign"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got := waitForFileEvent(t, events, func(ev Event) bool { return ev.Key == KeyToken && ev.NewValue == "foreign" })
	if got.Removed {
		t.Fatalf("unexpected removal: %+v", got)
	}

	if err := other.Remove(ctx, KeyToken); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitForFileEvent(t, events, func(ev Event) bool { return ev.Key == KeyToken && ev.Removed })
}

func TestFileStoreWatchIgnoresOwnWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	events, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := s.Set(ctx, KeyUser, `{"id":7}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	expectNoEvent(t, events, 300*time.Millisecond)
}

func waitForFileEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for file event")
		}
	}
}
