package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a single chat-completion call.
type CompletionRequest struct {
	Model            string
	Messages         []Message
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Completer performs one chat-completion call and returns the first
// choice's text.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// DurationObserver receives the latency of every completion call.
type DurationObserver func(ctx context.Context, role Role, d time.Duration, err error)

// Agent is a stateless wrapper around one completion call with a fixed role
// configuration.
type Agent struct {
	role      Role
	config    RoleConfig
	completer Completer
	logger    *zap.Logger
	observe   DurationObserver
}

// NewAgent creates an agent for role.
func NewAgent(role Role, config RoleConfig, completer Completer, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		role:      role,
		config:    config,
		completer: completer,
		logger:    logger.With(zap.String("agent", string(role))),
	}
}

// WithDurationObserver returns the agent with a latency hook attached.
func (a *Agent) WithDurationObserver(fn DurationObserver) *Agent {
	a.observe = fn
	return a
}

// Role returns the agent's role.
func (a *Agent) Role() Role {
	return a.role
}

// Run sends content as the user message and returns the completion text.
// Failures are returned as *models.AgentCallError and never retried.
func (a *Agent) Run(ctx context.Context, content string) (string, error) {
	req := CompletionRequest{
		Model:            a.config.Model,
		Messages:         a.messages(content),
		Temperature:      a.config.Temperature,
		MaxTokens:        a.config.MaxTokens,
		TopP:             a.config.TopP,
		FrequencyPenalty: a.config.FrequencyPenalty,
		PresencePenalty:  a.config.PresencePenalty,
	}

	start := time.Now()
	out, err := a.completer.Complete(ctx, req)
	elapsed := time.Since(start)
	if a.observe != nil {
		a.observe(ctx, a.role, elapsed, err)
	}
	if err != nil {
		a.logger.Warn("completion failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return "", &models.AgentCallError{Role: string(a.role), Err: err}
	}

	a.logger.Debug("completion finished",
		zap.Duration("elapsed", elapsed),
		zap.Int("input_chars", len(content)),
		zap.Int("output_chars", len(out)))
	return out, nil
}

func (a *Agent) messages(content string) []Message {
	msgs := make([]Message, 0, 2+2*len(a.config.Examples))
	if a.config.SystemMessage != "" {
		msgs = append(msgs, Message{Role: "system", Content: a.config.SystemMessage})
	}
	for _, ex := range a.config.Examples {
		msgs = append(msgs,
			Message{Role: "user", Content: ex.User},
			Message{Role: "assistant", Content: ex.Assistant},
		)
	}
	return append(msgs, Message{Role: "user", Content: content})
}

// Set holds one agent per pipeline role.
type Set struct {
	Disassembler         *Agent
	CodeWriter           *Agent
	Assembler            *Agent
	ParameterManipulator *Agent
}

// NewSet builds the four pipeline agents over a shared completer. Roles
// missing from configs fall back to DefaultRoleConfigs.
func NewSet(completer Completer, configs map[Role]RoleConfig, logger *zap.Logger) (*Set, error) {
	defaults := DefaultRoleConfigs()
	agents := make(map[Role]*Agent, len(Roles))
	for _, role := range Roles {
		cfg, ok := configs[role]
		if !ok {
			cfg = defaults[role]
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", role, err)
		}
		agents[role] = NewAgent(role, cfg, completer, logger)
	}
	return &Set{
		Disassembler:         agents[RoleDisassembler],
		CodeWriter:           agents[RoleCodeWriter],
		Assembler:            agents[RoleAssembler],
		ParameterManipulator: agents[RoleParameterManipulator],
	}, nil
}

// ObserveDurations attaches fn to every agent in the set.
func (s *Set) ObserveDurations(fn DurationObserver) {
	for _, a := range []*Agent{s.Disassembler, s.CodeWriter, s.Assembler, s.ParameterManipulator} {
		a.WithDurationObserver(fn)
	}
}
