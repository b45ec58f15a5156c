package mission

import (
	"fmt"
	"sync"

	"github.com/swarmforge/orchestrator/domain"
)

// Registry holds the design-time definitions a Mission Orchestrator
// resolves by stable id at phase time: Projects, Agent Definitions, Pattern
// Definitions, and Workflow Templates. A Mission Run stores only its
// WorkflowID: the Orchestrator looks the template up here each time the run
// is admitted and when a checkpoint is decided, so a template re-registered
// while a run is queued, parked or awaiting restart applies to that run's
// remaining phases.
type Registry struct {
	mu        sync.RWMutex
	projects  map[string]domain.Project
	agents    map[string]domain.AgentDefinition
	patterns  map[string]domain.PatternDefinition
	templates map[string]domain.WorkflowTemplate
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		projects:  make(map[string]domain.Project),
		agents:    make(map[string]domain.AgentDefinition),
		patterns:  make(map[string]domain.PatternDefinition),
		templates: make(map[string]domain.WorkflowTemplate),
	}
}

func (r *Registry) RegisterProject(p domain.Project) { r.mu.Lock(); defer r.mu.Unlock(); r.projects[p.ID] = p }
func (r *Registry) RegisterAgent(a domain.AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
}
func (r *Registry) RegisterPattern(p domain.PatternDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[p.ID] = p
}
func (r *Registry) RegisterTemplate(t domain.WorkflowTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
}

func (r *Registry) Project(id string) (domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("%w: project %s", ErrUnknownEntity, id)
	}
	return p, nil
}

func (r *Registry) Agent(id string) (domain.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return domain.AgentDefinition{}, fmt.Errorf("%w: agent %s", ErrUnknownEntity, id)
	}
	return a, nil
}

func (r *Registry) AgentsByRole(role domain.Role) []domain.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AgentDefinition
	for _, a := range r.agents {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) Pattern(id string) (domain.PatternDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[id]
	if !ok {
		return domain.PatternDefinition{}, fmt.Errorf("%w: pattern %s", ErrUnknownEntity, id)
	}
	return p, nil
}

func (r *Registry) Template(id string) (domain.WorkflowTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return domain.WorkflowTemplate{}, fmt.Errorf("%w: workflow template %s", ErrUnknownEntity, id)
	}
	return t, nil
}
