package optimize

import (
	"sync"
)

// SlicePool reuses slices of T. Slices come back empty; grown slices past
// twice the initial capacity are not kept.
type SlicePool[T any] struct {
	pool sync.Pool
	size int
}

func NewSlicePool[T any](size int) *SlicePool[T] {
	return &SlicePool[T]{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				s := make([]T, 0, size)
				return &s
			},
		},
	}
}

func (p *SlicePool[T]) Get() []T {
	return (*p.pool.Get().(*[]T))[:0]
}

// Put zeroes the elements so pooled slices do not pin what they pointed to.
func (p *SlicePool[T]) Put(s []T) {
	if cap(s) > p.size*2 {
		return
	}
	clear(s)
	s = s[:0]
	p.pool.Put(&s)
}
