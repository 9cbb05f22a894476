package memory

import (
	"cmp"
	"slices"
)

// table keeps entities of type *T keyed by K. It is not safe for concurrent
// use on its own; Store serializes access with a single lock so that
// multi-table writes stay atomic.
type table[K comparable, T any] struct {
	records     map[K]*T
	keySelector func(*T) K
	clone       func(*T) *T
}

func newTable[K comparable, T any](keySelector func(*T) K, clone func(*T) *T) *table[K, T] {
	return &table[K, T]{
		records:     make(map[K]*T),
		keySelector: keySelector,
		clone:       clone,
	}
}

// save stores a deep copy of v.
func (t *table[K, T]) save(v *T) {
	t.records[t.keySelector(v)] = t.clone(v)
}

// load returns a deep copy of the record, or nil.
func (t *table[K, T]) load(key K) *T {
	v, ok := t.records[key]
	if !ok {
		return nil
	}
	return t.clone(v)
}

// ref returns the stored record for in-place mutation under the store lock.
func (t *table[K, T]) ref(key K) *T {
	return t.records[key]
}

func (t *table[K, T]) has(key K) bool {
	_, ok := t.records[key]
	return ok
}

// filter returns deep copies of the matching records ordered by less.
func (t *table[K, T]) filter(match func(*T) bool, less func(a, b *T) int) []*T {
	var out []*T
	for _, v := range t.records {
		if match(v) {
			out = append(out, t.clone(v))
		}
	}
	if less != nil {
		slices.SortFunc(out, less)
	}
	return out
}

func byString(a, b string) int { return cmp.Compare(a, b) }
