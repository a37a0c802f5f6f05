package dispatcher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/sdss/fliswarm/internal/core/ports"
)

type handleKey struct {
	node     string
	endpoint string
}

// handleCache opens at most one handle per (node, endpoint) pair.
type handleCache struct {
	mu      sync.Mutex
	factory ports.HandleFactory
	handles map[handleKey]ports.NodeHandle
}

func newHandleCache(factory ports.HandleFactory) *handleCache {
	return &handleCache{
		factory: factory,
		handles: map[handleKey]ports.NodeHandle{},
	}
}

func (c *handleCache) get(node domain.NodeDescriptor) (ports.NodeHandle, error) {
	key := handleKey{node: node.Name, endpoint: node.RuntimeEndpoint}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h, found := c.handles[key]; found {
		return h, nil
	}

	h, err := c.factory(node)
	if err != nil {
		return nil, fmt.Errorf("opening handle for %s: %w", node.Name, err)
	}
	c.handles[key] = h
	return h, nil
}

func (c *handleCache) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for key, h := range c.handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing handle for %s: %w", key.node, err))
		}
		delete(c.handles, key)
	}
	return errors.Join(errs...)
}
