package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SharedMemory is an in-process backend that several [MemoryStore]
// instances can share, the way browser tabs share one origin's storage.
type SharedMemory struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[*memorySub]struct{}
}

type memorySub struct {
	origin string
	ch     chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSharedMemory creates an empty shared backend.
func NewSharedMemory() *SharedMemory {
	return &SharedMemory{
		values: make(map[string]string),
		subs:   make(map[*memorySub]struct{}),
	}
}

// Open returns a new instance view over the shared backend. Each instance
// has its own origin and only observes writes made by other instances.
func (m *SharedMemory) Open() *MemoryStore {
	return &MemoryStore{
		shared: m,
		origin: uuid.NewString(),
	}
}

// MemoryStore is one instance view over a [SharedMemory].
type MemoryStore struct {
	shared *SharedMemory
	origin string
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Watcher = (*MemoryStore)(nil)
)

// NewMemoryStore returns a store backed by its own private [SharedMemory].
func NewMemoryStore() *MemoryStore {
	return NewSharedMemory().Open()
}

// Origin returns the identifier attached to events produced by this instance.
func (s *MemoryStore) Origin() string {
	return s.origin
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	v, ok := s.shared.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.shared.mu.Lock()
	old, existed := s.shared.values[key]
	s.shared.values[key] = value
	subs := s.shared.subscribersLocked()
	s.shared.mu.Unlock()

	if existed && old == value {
		return nil
	}
	s.shared.publish(subs, Event{Key: key, OldValue: old, NewValue: value, Origin: s.origin})
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.shared.mu.Lock()
	old, existed := s.shared.values[key]
	delete(s.shared.values, key)
	subs := s.shared.subscribersLocked()
	s.shared.mu.Unlock()

	if !existed {
		return nil
	}
	s.shared.publish(subs, Event{Key: key, OldValue: old, Removed: true, Origin: s.origin})
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan Event, error) {
	sub := &memorySub{
		origin: s.origin,
		ch:     make(chan Event, 16),
		done:   make(chan struct{}),
	}

	s.shared.mu.Lock()
	s.shared.subs[sub] = struct{}{}
	s.shared.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.shared.mu.Lock()
		delete(s.shared.subs, sub)
		s.shared.mu.Unlock()

		close(sub.done)
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}()

	return sub.ch, nil
}

func (m *SharedMemory) subscribersLocked() []*memorySub {
	out := make([]*memorySub, 0, len(m.subs))
	for sub := range m.subs {
		out = append(out, sub)
	}
	return out
}

func (m *SharedMemory) publish(subs []*memorySub, event Event) {
	for _, sub := range subs {
		if sub.origin == event.Origin {
			continue
		}
		sub.mu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- event:
			case <-sub.done:
			}
		}
		sub.mu.Unlock()
	}
}
