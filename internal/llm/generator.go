package llm

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/pipeline"
)

// Default agent names for pipeline roles, matching the shipped configuration.
const (
	AgentProductOwner = "product_owner"
	AgentTechLead     = "tech_lead"
	AgentDevSquad     = "dev_squad"
)

// Generation implements pipeline.Generator over the client registry, routing
// each role to its configured agent.
type Generation struct {
	registry *Registry
	agents   map[pipeline.Role]string
	logger   *logging.Logger
}

// NewGeneration wires the default role-to-agent mapping. Every mapped agent
// must exist in the registry.
func NewGeneration(registry *Registry, logger *logging.Logger) (*Generation, error) {
	agents := map[pipeline.Role]string{
		pipeline.RoleSpecification:  AgentProductOwner,
		pipeline.RoleEnvironment:    AgentTechLead,
		pipeline.RoleImplementation: AgentDevSquad,
	}
	for role, agent := range agents {
		if _, err := registry.Client(agent); err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
	}
	return &Generation{registry: registry, agents: agents, logger: logger}, nil
}

// Generate implements pipeline.Generator.
func (g *Generation) Generate(ctx context.Context, req pipeline.GenerateRequest) (pipeline.GenerateResult, error) {
	agent, ok := g.agents[req.Role]
	if !ok {
		return pipeline.GenerateResult{}, fmt.Errorf("no agent mapped for role %q", req.Role)
	}
	client, err := g.registry.Client(agent)
	if err != nil {
		return pipeline.GenerateResult{}, err
	}

	system, err := systemPrompt(req.Role)
	if err != nil {
		return pipeline.GenerateResult{}, err
	}
	prompt, err := userPrompt(req)
	if err != nil {
		return pipeline.GenerateResult{}, err
	}

	completion, err := client.Complete(ctx, system, prompt)
	if err != nil {
		return pipeline.GenerateResult{}, err
	}
	return pipeline.GenerateResult{Content: completion.Text, Usage: completion.Usage}, nil
}
