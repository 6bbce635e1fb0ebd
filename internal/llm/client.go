// Package llm adapts langchaingo chat models to the factory's generation and
// judging ports. One Client per configured agent, all sharing a process-wide
// rate limiter; providers are selected per agent in configuration.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/pipeline"
)

var tracer = otel.Tracer("factoryd.llm")

// Completion is the text and token accounting of one provider call.
type Completion struct {
	Text  string
	Usage pipeline.Usage
}

// Client is one configured agent: a chat model plus its call parameters.
type Client struct {
	agent       string
	provider    string
	modelName   string
	model       llms.Model
	temperature float64
	maxTokens   int
	limiter     *rate.Limiter
	logger      *logging.Logger
}

// Agent returns the agent name this client serves.
func (c *Client) Agent() string { return c.agent }

// ModelName returns the configured model identifier.
func (c *Client) ModelName() string { return c.modelName }

// Complete sends a system + user prompt pair and returns the first choice.
// All failures come back as *Error with a retry classification.
func (c *Client) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Completion{}, wrapErr(c.provider, c.agent, err)
	}

	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.agent", c.agent),
		attribute.String("llm.provider", c.provider),
		attribute.String("llm.model", c.modelName),
	)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	opts := []llms.CallOption{llms.WithTemperature(c.temperature)}
	if c.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.maxTokens))
	}

	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		werr := wrapErr(c.provider, c.agent, err)
		c.logger.Warn(ctx, "provider call failed",
			zap.String("agent", c.agent),
			zap.String("kind", werr.Kind.String()),
			zap.Error(err),
		)
		return Completion{}, werr
	}
	if len(resp.Choices) == 0 {
		return Completion{}, &Error{
			Kind:     KindFatal,
			Provider: c.provider,
			Agent:    c.agent,
			Err:      errors.New("provider returned no choices"),
		}
	}

	choice := resp.Choices[0]
	usage := usageFromInfo(choice.GenerationInfo)
	span.SetAttributes(attribute.Int("llm.total_tokens", usage.TotalTokens))
	c.logger.Debug(ctx, "provider call complete",
		zap.String("agent", c.agent),
		zap.Int("content_length", len(choice.Content)),
		zap.Int("total_tokens", usage.TotalTokens),
	)
	return Completion{Text: choice.Content, Usage: usage}, nil
}

// usageFromInfo pulls token counts out of the per-provider generation info.
// Key names differ between providers, so every known spelling is checked.
func usageFromInfo(info map[string]any) pipeline.Usage {
	var u pipeline.Usage
	u.PromptTokens = intFromInfo(info, "PromptTokens", "InputTokens", "input_tokens", "prompt_tokens")
	u.CompletionTokens = intFromInfo(info, "CompletionTokens", "OutputTokens", "output_tokens", "completion_tokens")
	u.TotalTokens = intFromInfo(info, "TotalTokens", "total_tokens")
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

// Registry holds a Client per configured agent.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry constructs every agent client eagerly, so misconfiguration
// surfaces at startup rather than mid-pipeline. All clients share one rate
// limiter.
func NewRegistry(ctx context.Context, cfg config.LLMConfig, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if len(cfg.Agents) == 0 {
		return nil, errors.New("no agents configured")
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	clients := make(map[string]*Client, len(cfg.Agents))
	for name, agent := range cfg.Agents {
		model, err := newModel(ctx, cfg, agent)
		if err != nil {
			return nil, fmt.Errorf("building agent %q: %w", name, err)
		}
		clients[name] = &Client{
			agent:       name,
			provider:    agent.Provider,
			modelName:   agent.Model,
			model:       model,
			temperature: agent.Temperature,
			maxTokens:   agent.MaxTokens,
			limiter:     limiter,
			logger:      logger,
		}
	}
	return &Registry{clients: clients}, nil
}

func newModel(ctx context.Context, cfg config.LLMConfig, agent config.AgentConfig) (llms.Model, error) {
	switch agent.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.OpenAI.APIKey.Value()),
			openai.WithModel(agent.Model),
		}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		return anthropic.New(
			anthropic.WithToken(cfg.Anthropic.APIKey.Value()),
			anthropic.WithModel(agent.Model),
		)
	case "googleai":
		return googleai.New(ctx,
			googleai.WithAPIKey(cfg.GoogleAI.APIKey.Value()),
			googleai.WithDefaultModel(agent.Model),
		)
	default:
		return nil, fmt.Errorf("unknown provider %q", agent.Provider)
	}
}

// Client returns the client for an agent name.
func (r *Registry) Client(agent string) (*Client, error) {
	c, ok := r.clients[agent]
	if !ok {
		return nil, fmt.Errorf("no client registered for agent %q", agent)
	}
	return c, nil
}

// Agents lists registered agent names, sorted.
func (r *Registry) Agents() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
