package llms

import (
	"fmt"

	"github.com/kestrel-ai/kestrel/pkg/registry"
)

// Registry holds the configured LLM providers by name.
type Registry struct {
	*registry.BaseRegistry[LLM]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[LLM](),
	}
}

// GetProvider returns the named provider or an error.
func (r *Registry) GetProvider(name string) (LLM, error) {
	llm, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("llm provider '%s' not registered", name)
	}
	return llm, nil
}

// Chain resolves an ordered list of provider names into a failover chain.
// Unknown names are an error; an empty list is an error.
func (r *Registry) Chain(names []string) ([]LLM, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("llm chain cannot be empty")
	}
	chain := make([]LLM, 0, len(names))
	for _, name := range names {
		llm, err := r.GetProvider(name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, llm)
	}
	return chain, nil
}
