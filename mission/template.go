package mission

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmforge/orchestrator/domain"
)

// ErrBadConfig is returned when a definitions file fails validation.
var ErrBadConfig = errors.New("mission: invalid definitions config")

type (
	// FileConfig is the on-disk shape of the design-time definitions a
	// deployment registers before missions are created: projects, agent
	// definitions, pattern definitions, workflow templates, and the model
	// candidates the catalog offers to Darwin. Definitions are resolved at
	// runtime via Registry lookups keyed by stable id.
	FileConfig struct {
		Projects  []ProjectConfig  `yaml:"projects"`
		Agents    []AgentConfig    `yaml:"agents"`
		Patterns  []PatternConfig  `yaml:"patterns"`
		Workflows []WorkflowConfig `yaml:"workflows"`
		Models    []ModelConfig    `yaml:"models"`
	}

	// ProjectConfig mirrors domain.Project.
	ProjectConfig struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		WorkingTree string `yaml:"working_tree"`
		Vision      string `yaml:"vision"`
		Values      string `yaml:"values"`
		Conventions string `yaml:"conventions"`
		Stack       string `yaml:"stack"`
	}

	// AgentConfig mirrors domain.AgentDefinition.
	AgentConfig struct {
		ID                  string   `yaml:"id"`
		DisplayName         string   `yaml:"display_name"`
		Role                string   `yaml:"role"`
		LLMCategory         string   `yaml:"llm_category"`
		VetoLevel           string   `yaml:"veto_level"`
		MayDelegate         bool     `yaml:"may_delegate"`
		MayWriteMemory      []string `yaml:"may_write_memory"`
		RequiresApprovalFor []string `yaml:"requires_approval_for"`
		AllowedTools        []string `yaml:"allowed_tools"`
		MayDeploy           bool     `yaml:"may_deploy"`
	}

	// ParticipantConfig names a pattern participant by concrete agent id or
	// by role for Darwin to resolve at phase time. Exactly one must be set.
	ParticipantConfig struct {
		Agent string `yaml:"agent"`
		Role  string `yaml:"role"`
	}

	// EdgeConfig mirrors domain.Edge.
	EdgeConfig struct {
		From ParticipantConfig `yaml:"from"`
		To   ParticipantConfig `yaml:"to"`
		Tag  string            `yaml:"tag"`
	}

	// PatternConfig mirrors domain.PatternDefinition.
	PatternConfig struct {
		ID            string              `yaml:"id"`
		Type          string              `yaml:"type"`
		Participants  []ParticipantConfig `yaml:"participants"`
		Edges         []EdgeConfig        `yaml:"edges"`
		MaxIterations int                 `yaml:"max_iterations"`
		Convergence   string              `yaml:"convergence"`
		WIPLimit      int                 `yaml:"wip_limit"`
		Timeout       string              `yaml:"timeout"`
		Memory        MemoryPolicyConfig  `yaml:"memory"`
	}

	// MemoryPolicyConfig mirrors domain.MemoryPolicy.
	MemoryPolicyConfig struct {
		Read  []string `yaml:"read"`
		Write string   `yaml:"write"`
	}

	// PhaseConfig mirrors domain.PhaseSpec.
	PhaseConfig struct {
		Name          string `yaml:"name"`
		Pattern       string `yaml:"pattern"`
		Gate          string `yaml:"gate"`
		MaxSprints    int    `yaml:"max_sprints"`
		FailurePolicy string `yaml:"failure_policy"`
		Dev           bool   `yaml:"dev"`
	}

	// WorkflowConfig mirrors domain.WorkflowTemplate.
	WorkflowConfig struct {
		ID     string        `yaml:"id"`
		Name   string        `yaml:"name"`
		Phases []PhaseConfig `yaml:"phases"`
	}

	// ModelConfig declares one Darwin-selectable model candidate. Provider
	// is one of anthropic, openai, bedrock; cmd/missiond turns each entry
	// into a model.Client and registers it on the ModelCatalog under ID.
	ModelConfig struct {
		ID       string `yaml:"id"`
		Category string `yaml:"category"`
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	}
)

// ParseConfig decodes and validates a YAML definitions document. Unknown
// fields are rejected so a typo in a phase spec fails loudly at boot rather
// than silently falling back to a default gate.
func ParseConfig(data []byte) (*FileConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg FileConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFile reads and parses a YAML definitions file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mission: read config: %w", err)
	}
	return ParseConfig(data)
}

// Apply registers every parsed definition on reg. Model candidates are not
// registered here; they carry provider credentials concerns and are wired by
// the process entrypoint (see cmd/missiond).
func (c *FileConfig) Apply(reg *Registry) error {
	for _, p := range c.Projects {
		reg.RegisterProject(domain.Project{
			ID:          p.ID,
			Name:        p.Name,
			WorkingTree: p.WorkingTree,
			Vision:      p.Vision,
			Values:      p.Values,
			Conventions: p.Conventions,
			Stack:       p.Stack,
		})
	}
	for _, a := range c.Agents {
		def, err := a.toDomain()
		if err != nil {
			return err
		}
		reg.RegisterAgent(def)
	}
	for _, p := range c.Patterns {
		def, err := p.toDomain()
		if err != nil {
			return err
		}
		reg.RegisterPattern(def)
	}
	for _, w := range c.Workflows {
		tpl, err := w.toDomain()
		if err != nil {
			return err
		}
		reg.RegisterTemplate(tpl)
	}
	return nil
}

func (c *FileConfig) validate() error {
	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("%w: agent with empty id", ErrBadConfig)
		}
		if agents[a.ID] {
			return fmt.Errorf("%w: duplicate agent id %q", ErrBadConfig, a.ID)
		}
		agents[a.ID] = true
	}
	patterns := make(map[string]bool, len(c.Patterns))
	for _, p := range c.Patterns {
		if p.ID == "" {
			return fmt.Errorf("%w: pattern with empty id", ErrBadConfig)
		}
		if patterns[p.ID] {
			return fmt.Errorf("%w: duplicate pattern id %q", ErrBadConfig, p.ID)
		}
		patterns[p.ID] = true
		for _, part := range p.Participants {
			if part.Agent != "" && !agents[part.Agent] {
				return fmt.Errorf("%w: pattern %q references unknown agent %q", ErrBadConfig, p.ID, part.Agent)
			}
		}
	}
	for _, w := range c.Workflows {
		if w.ID == "" {
			return fmt.Errorf("%w: workflow with empty id", ErrBadConfig)
		}
		if len(w.Phases) == 0 {
			return fmt.Errorf("%w: workflow %q has no phases", ErrBadConfig, w.ID)
		}
		for _, ph := range w.Phases {
			if !patterns[ph.Pattern] {
				return fmt.Errorf("%w: workflow %q phase %q references unknown pattern %q", ErrBadConfig, w.ID, ph.Name, ph.Pattern)
			}
		}
	}
	// Enum values and participant bindings are checked by the domain
	// conversions in Apply; run them against a scratch Registry.
	return c.Apply(NewRegistry())
}

func (a AgentConfig) toDomain() (domain.AgentDefinition, error) {
	role, err := parseEnum("agent "+a.ID+" role", a.Role, domain.RoleDeveloper, domain.RoleQA,
		domain.RoleSecurity, domain.RoleProduct, domain.RoleArchitecture, domain.RoleDevOps,
		domain.RoleOrchestrator, domain.RoleAdversarial, domain.RoleOther)
	if err != nil {
		return domain.AgentDefinition{}, err
	}
	category := domain.CategoryLightProduction
	if a.LLMCategory != "" {
		category, err = parseEnum("agent "+a.ID+" llm_category", a.LLMCategory,
			domain.CategoryHeavyReasoning, domain.CategoryHeavyProduction,
			domain.CategoryLightReasoning, domain.CategoryLightProduction, domain.CategoryRedaction)
		if err != nil {
			return domain.AgentDefinition{}, err
		}
	}
	veto := domain.VetoNone
	if a.VetoLevel != "" {
		veto, err = parseEnum("agent "+a.ID+" veto_level", a.VetoLevel,
			domain.VetoNone, domain.VetoAdvisory, domain.VetoStrong, domain.VetoAbsolute)
		if err != nil {
			return domain.AgentDefinition{}, err
		}
	}
	var write map[domain.MemoryLayer]bool
	if len(a.MayWriteMemory) > 0 {
		write = make(map[domain.MemoryLayer]bool, len(a.MayWriteMemory))
		for _, l := range a.MayWriteMemory {
			layer, err := parseLayer("agent " + a.ID + " may_write_memory")(l)
			if err != nil {
				return domain.AgentDefinition{}, err
			}
			write[layer] = true
		}
	}
	return domain.AgentDefinition{
		ID:                  a.ID,
		DisplayName:         a.DisplayName,
		Role:                role,
		PreferredLLM:        category,
		VetoLevel:           veto,
		MayDelegate:         a.MayDelegate,
		MayWriteMemory:      write,
		RequiresApprovalFor: a.RequiresApprovalFor,
		AllowedTools:        a.AllowedTools,
		MayDeploy:           a.MayDeploy,
	}, nil
}

func (p PatternConfig) toDomain() (domain.PatternDefinition, error) {
	typ, err := parseEnum("pattern "+p.ID+" type", p.Type,
		domain.PatternSolo, domain.PatternSoloChat, domain.PatternSequential,
		domain.PatternParallel, domain.PatternHierarchical, domain.PatternNetwork,
		domain.PatternLoop, domain.PatternRouter, domain.PatternAggregator,
		domain.PatternHumanInTheLoop, domain.PatternDebate, domain.PatternAdversarialPair,
		domain.PatternAdversarialCascade, domain.PatternWave)
	if err != nil {
		return domain.PatternDefinition{}, err
	}
	participants := make([]domain.ParticipantRef, 0, len(p.Participants))
	for i, part := range p.Participants {
		ref, err := part.toDomain(fmt.Sprintf("pattern %s participant %d", p.ID, i))
		if err != nil {
			return domain.PatternDefinition{}, err
		}
		participants = append(participants, ref)
	}
	edges := make([]domain.Edge, 0, len(p.Edges))
	for i, e := range p.Edges {
		tag, err := parseEnum(fmt.Sprintf("pattern %s edge %d tag", p.ID, i), e.Tag,
			domain.EdgeDelegate, domain.EdgeInform, domain.EdgeReview, domain.EdgeVeto,
			domain.EdgeNegotiate, domain.EdgeEscalate, domain.EdgeAggregate)
		if err != nil {
			return domain.PatternDefinition{}, err
		}
		from, err := e.From.toDomain(fmt.Sprintf("pattern %s edge %d from", p.ID, i))
		if err != nil {
			return domain.PatternDefinition{}, err
		}
		to, err := e.To.toDomain(fmt.Sprintf("pattern %s edge %d to", p.ID, i))
		if err != nil {
			return domain.PatternDefinition{}, err
		}
		edges = append(edges, domain.Edge{From: from, To: to, Tag: tag})
	}
	var timeout time.Duration
	if p.Timeout != "" {
		timeout, err = time.ParseDuration(p.Timeout)
		if err != nil {
			return domain.PatternDefinition{}, fmt.Errorf("%w: pattern %s timeout: %v", ErrBadConfig, p.ID, err)
		}
	}
	policy := domain.MemoryPolicy{}
	for _, l := range p.Memory.Read {
		layer, err := parseLayer("pattern " + p.ID + " memory.read")(l)
		if err != nil {
			return domain.PatternDefinition{}, err
		}
		policy.ReadLayers = append(policy.ReadLayers, layer)
	}
	if p.Memory.Write != "" {
		layer, err := parseLayer("pattern " + p.ID + " memory.write")(p.Memory.Write)
		if err != nil {
			return domain.PatternDefinition{}, err
		}
		policy.WriteLayer = layer
	}
	return domain.PatternDefinition{
		ID:            p.ID,
		Type:          typ,
		Participants:  participants,
		Edges:         edges,
		MaxIterations: p.MaxIterations,
		Convergence:   p.Convergence,
		WIPLimit:      p.WIPLimit,
		Timeout:       timeout,
		MemoryPolicy:  policy,
	}, nil
}

func (p ParticipantConfig) toDomain(where string) (domain.ParticipantRef, error) {
	switch {
	case p.Agent != "" && p.Role != "":
		return domain.ParticipantRef{}, fmt.Errorf("%w: %s sets both agent and role", ErrBadConfig, where)
	case p.Agent != "":
		return domain.ParticipantRef{AgentID: p.Agent}, nil
	case p.Role != "":
		role, err := parseEnum(where+" role", p.Role, domain.RoleDeveloper, domain.RoleQA,
			domain.RoleSecurity, domain.RoleProduct, domain.RoleArchitecture, domain.RoleDevOps,
			domain.RoleOrchestrator, domain.RoleAdversarial, domain.RoleOther)
		if err != nil {
			return domain.ParticipantRef{}, err
		}
		return domain.ParticipantRef{Role: role}, nil
	default:
		return domain.ParticipantRef{}, fmt.Errorf("%w: %s sets neither agent nor role", ErrBadConfig, where)
	}
}

func (w WorkflowConfig) toDomain() (domain.WorkflowTemplate, error) {
	phases := make([]domain.PhaseSpec, 0, len(w.Phases))
	for _, ph := range w.Phases {
		gate := domain.GateNoVeto
		var err error
		if ph.Gate != "" {
			gate, err = parseEnum("workflow "+w.ID+" phase "+ph.Name+" gate", ph.Gate,
				domain.GateAllApproved, domain.GateNoVeto, domain.GateAlways, domain.GateCheckpoint)
			if err != nil {
				return domain.WorkflowTemplate{}, err
			}
		}
		policy := domain.FailureAbort
		if ph.FailurePolicy != "" {
			policy, err = parseEnum("workflow "+w.ID+" phase "+ph.Name+" failure_policy", ph.FailurePolicy,
				domain.FailureRetry, domain.FailureSkip, domain.FailureAbort, domain.FailureHumanDecide)
			if err != nil {
				return domain.WorkflowTemplate{}, err
			}
		}
		phases = append(phases, domain.PhaseSpec{
			Name:          ph.Name,
			PatternID:     ph.Pattern,
			Gate:          gate,
			MaxSprints:    ph.MaxSprints,
			FailurePolicy: policy,
			IsDevPhase:    ph.Dev,
		})
	}
	return domain.WorkflowTemplate{ID: w.ID, Name: w.Name, Phases: phases}, nil
}

func parseEnum[T ~string](where, raw string, allowed ...T) (T, error) {
	for _, a := range allowed {
		if raw == string(a) {
			return a, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s: unknown value %q", ErrBadConfig, where, raw)
}

func parseLayer(where string) func(string) (domain.MemoryLayer, error) {
	return func(raw string) (domain.MemoryLayer, error) {
		return parseEnum(where, raw, domain.LayerSession, domain.LayerPattern, domain.LayerProject, domain.LayerGlobal)
	}
}
