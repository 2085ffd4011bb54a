package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/errors"
)

// FileStore keeps items in memory and rewrites a JSON file on every change.
// Writes go to a temporary file that is renamed over the target.
type FileStore[T Keyed] struct {
	mu     sync.RWMutex
	path   string
	kind   string
	max    int
	items  map[string]T
	logger *zap.Logger
}

// OpenFileStore loads path, or starts empty when it does not exist.
func OpenFileStore[T Keyed](path, kind string, maxItems int, logger *zap.Logger) (*FileStore[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileStore[T]{
		path:   path,
		kind:   kind,
		max:    maxItems,
		items:  make(map[string]T),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read %s store: %w", kind, err)
	}

	var list []T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode %s store %s: %w", kind, path, err)
		}
	}
	for _, item := range list {
		s.items[item.Key()] = item
	}
	logger.Info("store loaded", zap.String("kind", kind), zap.String("path", path), zap.Int("items", len(list)))
	return s, nil
}

func (s *FileStore[T]) Put(ctx context.Context, item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.items[item.Key()]
	s.items[item.Key()] = item
	evict(s.items, s.max)
	if err := s.save(); err != nil {
		if had {
			s.items[item.Key()] = prev
		} else {
			delete(s.items, item.Key())
		}
		return err
	}
	return nil
}

func (s *FileStore[T]) Get(ctx context.Context, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		var zero T
		return zero, errors.NewNotFoundError("", s.kind, id)
	}
	return item, nil
}

func (s *FileStore[T]) GetAll(ctx context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.items), nil
}

func (s *FileStore[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return errors.NewNotFoundError("", s.kind, id)
	}
	delete(s.items, id)
	if err := s.save(); err != nil {
		s.items[id] = item
		return err
	}
	return nil
}

func (s *FileStore[T]) save() error {
	data, err := json.MarshalIndent(sorted(s.items), "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s store: %w", s.kind, err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s store: %w", s.kind, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace %s store: %w", s.kind, err)
	}
	s.logger.Debug("store saved", zap.String("kind", s.kind), zap.Int("items", len(s.items)))
	return nil
}
