package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps one file per key inside a directory. Every write is a
// temp-file-plus-rename so readers in other processes never see a torn value.
type FileStore struct {
	dir string

	mu      sync.Mutex
	watches map[*fileWatch]struct{}
}

type fileWatch struct {
	mu   sync.Mutex
	seen map[string]string
}

var (
	_ Store   = (*FileStore)(nil)
	_ Watcher = (*FileStore)(nil)
)

// NewFileStore creates the directory when missing and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &FileStore{
		dir:     dir,
		watches: make(map[*fileWatch]struct{}),
	}, nil
}

// Dir returns the directory holding the session files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	path, err := s.path(key)
	if err != nil {
		return "", false, err
	}
	return readValue(path)
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.markSeenLocked(key, value, true)
	return nil
}

func (s *FileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.markSeenLocked(key, "", false)
	return nil
}

// Watch reports changes to session files made by other processes.
func (s *FileStore) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	w := &fileWatch{seen: make(map[string]string)}

	s.mu.Lock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.mu.Unlock()
		_ = watcher.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !validKey(entry.Name()) {
			continue
		}
		if v, ok, err := readValue(filepath.Join(s.dir, entry.Name())); err == nil && ok {
			w.seen[entry.Name()] = v
		}
	}
	s.watches[w] = struct{}{}
	s.mu.Unlock()

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() {
			_ = watcher.Close()
			s.mu.Lock()
			delete(s.watches, w)
			s.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				key := filepath.Base(ev.Name)
				if !validKey(key) {
					continue
				}
				event, changed := s.reconcile(w, key)
				if !changed {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *FileStore) reconcile(w *fileWatch, key string) (Event, bool) {
	s.mu.Lock()
	value, present, err := readValue(filepath.Join(s.dir, key))
	s.mu.Unlock()
	if err != nil {
		return Event{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	old, had := w.seen[key]
	switch {
	case present && had && old == value:
		return Event{}, false
	case !present && !had:
		return Event{}, false
	case present:
		w.seen[key] = value
		return Event{Key: key, OldValue: old, NewValue: value}, true
	default:
		delete(w.seen, key)
		return Event{Key: key, OldValue: old, Removed: true}, true
	}
}

func (s *FileStore) markSeenLocked(key, value string, present bool) {
	for w := range s.watches {
		w.mu.Lock()
		if present {
			w.seen[key] = value
		} else {
			delete(w.seen, key)
		}
		w.mu.Unlock()
	}
}

func (s *FileStore) path(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("invalid store key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, ".") {
		return false
	}
	return filepath.Base(key) == key && !strings.ContainsAny(key, `/\`)
}

func readValue(path string) (string, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return string(raw), true, nil
}
