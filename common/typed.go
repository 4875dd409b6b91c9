package common

import (
	"sync/atomic"
)

func DefaultValue[T any]() T {
	var defaultValue T
	return defaultValue
}

// TypedValue is an atomic.Pointer that stores values instead of pointers.
type TypedValue[T any] struct {
	pointer atomic.Pointer[T]
}

func (t *TypedValue[T]) Load() T {
	value := t.pointer.Load()
	if value == nil {
		return DefaultValue[T]()
	}
	return *value
}

func (t *TypedValue[T]) Store(value T) {
	t.pointer.Store(&value)
}
