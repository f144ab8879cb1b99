package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreTest(t *testing.T) (*miniredis.Miniredis, func() *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)

	return mr, func() *RedisStore {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRedisStore(rdb, "test", "test:events")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, open := newRedisStoreTest(t)
	s := open()

	if _, ok, err := s.Get(ctx, KeyToken); err != nil || ok {
		t.Fatalf("expected missing token, ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, KeyToken, "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := mr.Get("test:" + KeyToken)
	if err != nil || raw != "abc" {
		t.Fatalf("expected prefixed key in redis, got %q err=%v", raw, err)
	}
	v, ok, err := s.Get(ctx, KeyToken)
	if err != nil || !ok || v != "abc" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.Remove(ctx, KeyToken); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, KeyToken); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if mr.Exists("test:" + KeyToken) {
		t.Fatal("expected key removed")
	}
}

func TestRedisStoreWatchSkipsOwnOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, open := newRedisStoreTest(t)
	a := open()
	b := open()

	evA, err := a.Watch(ctx)
	if err != nil {
		t.Fatalf("watch a: %v", err)
	}
	evB, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("watch b: %v", err)
	}

	if err := a.Set(ctx, KeyUser, `{"id":1}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	got := recvEvent(t, evB)
	if got.Key != KeyUser || got.NewValue != `{"id":1}` || got.Origin != a.Origin() {
		t.Fatalf("unexpected event: %+v", got)
	}

	if err := a.Remove(ctx, KeyUser); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got = recvEvent(t, evB)
	if !got.Removed || got.OldValue != `{"id":1}` {
		t.Fatalf("expected removal with old value, got %+v", got)
	}
	expectNoEvent(t, evA, 100*time.Millisecond)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, open := newRedisStoreTest(t)
	s := open()
	mr.Close()

	if err := s.Set(context.Background(), KeyToken, "x"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	mr, _ := newRedisStoreTest(t)

	s, closeFn, err := Open(ctx, Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
	_ = closeFn()

	s, closeFn, err = Open(ctx, Options{Backend: "file", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("expected file store, got %T", s)
	}
	_ = closeFn()

	s, closeFn, err = Open(ctx, Options{Backend: "redis", RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	if _, ok := s.(*RedisStore); !ok {
		t.Fatalf("expected redis store, got %T", s)
	}
	_ = closeFn()

	if _, _, err := Open(ctx, Options{Backend: "etcd"}); err == nil {
		t.Fatal("expected unknown backend error")
	}
}
