package registry

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Holder publishes the current Registry. Readers never lock; writers replace
// the whole registry.
type Holder struct {
	current atomic.Pointer[Registry]
}

func NewHolder(reg *Registry) *Holder {
	h := &Holder{}
	h.current.Store(reg)
	return h
}

// Load returns the registry in effect.
func (h *Holder) Load() *Registry {
	return h.current.Load()
}

// Swap installs reg and returns the previous registry.
func (h *Holder) Swap(reg *Registry) (*Registry, error) {
	if reg == nil {
		return nil, errors.New("got nil registry")
	}
	return h.current.Swap(reg), nil
}

// Update derives a new registry from the current one and installs it,
// retrying if another writer swapped in between.
func (h *Holder) Update(fn func(*Registry) (*Registry, error)) error {
	for {
		cur := h.current.Load()
		next, err := fn(cur)
		if err != nil {
			return fmt.Errorf("deriving registry: %w", err)
		}
		if h.current.CompareAndSwap(cur, next) {
			return nil
		}
	}
}
