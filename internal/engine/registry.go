package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/arcflow/pkg/api"
)

// nodeRegistry maps node-table indices to the factories that build them.
type nodeRegistry struct {
	mu   sync.RWMutex
	byID map[uint16]api.NodeFactory
}

func newNodeRegistry() *nodeRegistry {
	return &nodeRegistry{
		byID: make(map[uint16]api.NodeFactory),
	}
}

func (r *nodeRegistry) Register(id uint16, factory api.NodeFactory) error {
	if factory == nil {
		return fmt.Errorf("node %d: factory is required", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("node %d already registered", id)
	}
	r.byID[id] = factory
	return nil
}

func (r *nodeRegistry) Get(id uint16) (api.NodeFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	return factory, nil
}
