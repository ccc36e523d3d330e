package ecs

import (
	"iter"
	"slices"
)

// Removable is implemented by all component stores so the World can
// bulk-remove an entity's data from every store on destroy.
type Removable interface {
	Remove(id EntityID)
}

// Store is a generic typed component store. Iteration is in ascending EntityID
// order so replication candidates come out in a reproducible sequence.
type Store[T any] struct {
	data  map[EntityID]*T
	order []EntityID // sorted, rebuilt lazily
	dirty bool
}

func NewStore[T any]() *Store[T] {
	return &Store[T]{
		data: make(map[EntityID]*T, 256),
	}
}

func (s *Store[T]) Set(id EntityID, c *T) {
	if _, ok := s.data[id]; !ok {
		s.dirty = true
	}
	s.data[id] = c
}

func (s *Store[T]) Get(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	return c, ok
}

func (s *Store[T]) Remove(id EntityID) {
	if _, ok := s.data[id]; ok {
		delete(s.data, id)
		s.dirty = true
	}
}

func (s *Store[T]) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *Store[T]) Len() int {
	return len(s.data)
}

// IDs yields every entity holding this component, in ascending id order.
func (s *Store[T]) IDs() iter.Seq[EntityID] {
	s.sortIfDirty()
	return slices.Values(s.order)
}

// All yields (id, component) pairs in ascending id order.
func (s *Store[T]) All() iter.Seq2[EntityID, *T] {
	s.sortIfDirty()
	return func(yield func(EntityID, *T) bool) {
		for _, id := range s.order {
			c, ok := s.data[id]
			if !ok {
				continue
			}
			if !yield(id, c) {
				return
			}
		}
	}
}

func (s *Store[T]) sortIfDirty() {
	if !s.dirty {
		return
	}
	s.order = s.order[:0]
	for id := range s.data {
		s.order = append(s.order, id)
	}
	slices.Sort(s.order)
	s.dirty = false
}
