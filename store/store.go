// Package store persists run history and test cases behind a small
// repository interface keyed by id.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teilomillet/promptbench/errors"
)

// Keyed is a storable item.
type Keyed interface {
	Key() string
	Created() time.Time
}

// Repository stores items by key. GetAll lists newest first.
type Repository[T Keyed] interface {
	Put(ctx context.Context, item T) error
	Get(ctx context.Context, id string) (T, error)
	GetAll(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps items in a map. When MaxItems is positive, the oldest
// items are evicted past that count.
type MemoryStore[T Keyed] struct {
	mu    sync.RWMutex
	kind  string
	max   int
	items map[string]T
}

// NewMemoryStore returns an empty store. kind names the item type in errors.
func NewMemoryStore[T Keyed](kind string, maxItems int) *MemoryStore[T] {
	return &MemoryStore[T]{kind: kind, max: maxItems, items: make(map[string]T)}
}

func (s *MemoryStore[T]) Put(ctx context.Context, item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.Key()] = item
	evict(s.items, s.max)
	return nil
}

func (s *MemoryStore[T]) Get(ctx context.Context, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		var zero T
		return zero, errors.NewNotFoundError("", s.kind, id)
	}
	return item, nil
}

func (s *MemoryStore[T]) GetAll(ctx context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.items), nil
}

func (s *MemoryStore[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return errors.NewNotFoundError("", s.kind, id)
	}
	delete(s.items, id)
	return nil
}

// sorted returns the items newest first, ties broken by key.
func sorted[T Keyed](items map[string]T) []T {
	out := make([]T, 0, len(items))
	for _, v := range items {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Created(), out[j].Created()
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func evict[T Keyed](items map[string]T, max int) {
	if max <= 0 || len(items) <= max {
		return
	}
	all := sorted(items)
	for _, old := range all[max:] {
		delete(items, old.Key())
	}
}
