package mission

import (
	"context"
	"sync"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/darwin"
	"github.com/swarmforge/orchestrator/runtime/executor"
	"github.com/swarmforge/orchestrator/runtime/model"
)

// ModelBinding names one concrete provider/model pair backing a Darwin model
// candidate.
type ModelBinding struct {
	Provider string
	Model    string
	Client   model.Client
}

// ModelCatalog resolves an executor.Binding for an LLMCategory using a
// fixed priority chain: Darwin sample over the category's
// registered candidates, falling back to a static routing Router for the
// category, falling back to a fixed local-dev Client when neither is
// configured.
type ModelCatalog struct {
	mu         sync.RWMutex
	bindings   map[string]ModelBinding          // candidate id -> binding
	byCategory map[domain.LLMCategory][]string // candidate ids available to a category
	fallback   map[domain.LLMCategory]*model.Router
	devClient  model.Client
}

// NewModelCatalog constructs an empty catalog.
func NewModelCatalog() *ModelCatalog {
	return &ModelCatalog{
		bindings:   make(map[string]ModelBinding),
		byCategory: make(map[domain.LLMCategory][]string),
	}
}

// RegisterCandidate makes (provider, modelName) a Darwin-selectable option
// for category, addressable as candidateID.
func (c *ModelCatalog) RegisterCandidate(category domain.LLMCategory, candidateID string, binding ModelBinding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[candidateID] = binding
	c.byCategory[category] = append(c.byCategory[category], candidateID)
}

// SetFallback registers the static routing Router used when Darwin has no
// registered candidates for category.
func (c *ModelCatalog) SetFallback(category domain.LLMCategory, r *model.Router) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallback == nil {
		c.fallback = make(map[domain.LLMCategory]*model.Router)
	}
	c.fallback[category] = r
}

// SetDevFallback registers the last-resort local-dev Client used when
// neither Darwin candidates nor a static Router are configured for a
// category.
func (c *ModelCatalog) SetDevFallback(client model.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devClient = client
}

// Resolve picks a binding for key/category: Darwin Thompson-samples over the
// category's registered candidates when any exist (returning the selected
// candidate id so the caller can later report RecordOutcome), otherwise
// falls through the static Router, otherwise the dev fallback Client.
// avoidProvider is a best-effort hint: when the sampled candidate runs on
// that provider and another candidate in the category does not, the other
// candidate wins. It never blocks resolution — a category served by a
// single provider ignores the hint.
func (c *ModelCatalog) Resolve(ctx context.Context, sel *darwin.Selector, key domain.FitnessKey, category domain.LLMCategory, avoidProvider string) (executor.Binding, string) {
	c.mu.RLock()
	candidateIDs := c.byCategory[category]
	candidates := make([]darwin.Candidate, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		candidates = append(candidates, darwin.Candidate{ID: id, Stack: key.Technology})
	}
	fallbackRouter := c.fallback[category]
	dev := c.devClient
	c.mu.RUnlock()

	modelClass := model.ModelClass(category)

	if len(candidates) > 0 && sel != nil {
		picked := sel.Select(ctx, key, candidates)
		chosenID := picked.Candidate.ID
		c.mu.RLock()
		binding, ok := c.bindings[chosenID]
		if ok && avoidProvider != "" && binding.Provider == avoidProvider {
			for _, id := range candidateIDs {
				if alt, altOK := c.bindings[id]; altOK && alt.Provider != avoidProvider {
					binding, chosenID = alt, id
					break
				}
			}
		}
		c.mu.RUnlock()
		if ok {
			return executor.Binding{Client: binding.Client, ModelClass: modelClass, Model: binding.Model, Provider: binding.Provider}, chosenID
		}
	}
	if fallbackRouter != nil {
		return executor.Binding{Client: routerAsClient{fallbackRouter}, ModelClass: modelClass}, ""
	}
	return executor.Binding{Client: dev, ModelClass: modelClass}, ""
}

// routerAsClient adapts a model.Router (whose Complete signature also takes
// a trace callback) to the plain model.Client interface the Executor calls.
type routerAsClient struct{ r *model.Router }

func (a routerAsClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return a.r.Complete(ctx, req, nil)
}
