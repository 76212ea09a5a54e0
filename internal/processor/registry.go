package processor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/docpipe/batch-engine/internal/domain"
)

// Registry maps batch types to the processor that handles their items.
type Registry struct {
	mu    sync.RWMutex
	procs map[domain.BatchType]Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[domain.BatchType]Processor)}
}

func (r *Registry) Register(batchType domain.BatchType, p Processor) error {
	if !batchType.IsValid() {
		return fmt.Errorf("%w: invalid batch type %q", domain.ErrValidation, batchType)
	}
	if p == nil {
		return fmt.Errorf("%w: processor is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[batchType] = p
	return nil
}

func (r *Registry) Get(batchType domain.BatchType) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.procs[batchType]
	if !ok {
		return nil, fmt.Errorf("%w: no processor registered for batch type %q", domain.ErrValidation, batchType)
	}
	return p, nil
}

// Types lists the registered batch types in stable order.
func (r *Registry) Types() []domain.BatchType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.BatchType, 0, len(r.procs))
	for t := range r.procs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
