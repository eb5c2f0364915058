// Package store holds the persistence collaborators the core talks to: save/find/update/delete keyed
// by a numeric id. Only an in-memory implementation lives here.
package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
)

type Repository[T any] interface {
	Save(item T) (int64, error)
	Find(id int64) (T, error)
	Update(id int64, item T) error
	Delete(id int64) error
	List() ([]T, error)
}

// MemoryRepository keeps values (not pointers) so callers never share mutable state with it.
type MemoryRepository[T any] struct {
	kind   string
	nextId atomic.Int64

	mut_items sync.RWMutex
	items     map[int64]T
}

func CreateMemoryRepository[T any](kind string) *MemoryRepository[T] {
	return &MemoryRepository[T]{
		kind:  kind,
		items: make(map[int64]T),
	}
}

func (r *MemoryRepository[T]) Save(item T) (int64, error) {
	id := r.nextId.Add(1)

	r.mut_items.Lock()
	defer r.mut_items.Unlock()
	r.items[id] = item

	return id, nil
}

func (r *MemoryRepository[T]) Find(id int64) (T, error) {
	r.mut_items.RLock()
	defer r.mut_items.RUnlock()

	item, has := r.items[id]
	if !has {
		var zero T
		return zero, &errors.MissingRecord{Kind: r.kind, Id: id}
	}
	return item, nil
}

func (r *MemoryRepository[T]) Update(id int64, item T) error {
	r.mut_items.Lock()
	defer r.mut_items.Unlock()

	if _, has := r.items[id]; !has {
		return &errors.MissingRecord{Kind: r.kind, Id: id}
	}
	r.items[id] = item
	return nil
}

func (r *MemoryRepository[T]) Delete(id int64) error {
	r.mut_items.Lock()
	defer r.mut_items.Unlock()

	if _, has := r.items[id]; !has {
		return &errors.MissingRecord{Kind: r.kind, Id: id}
	}
	delete(r.items, id)
	return nil
}

// List returns items in id order.
func (r *MemoryRepository[T]) List() ([]T, error) {
	r.mut_items.RLock()
	defer r.mut_items.RUnlock()

	ids := make([]int64, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.items[id])
	}
	return out, nil
}
