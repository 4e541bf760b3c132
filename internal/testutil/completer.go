package testutil

import (
	"context"
	"sync"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/agents"
)

// ScriptedCompleter answers completion calls from per-role queues. The role
// is read from the request's model name; see RoleConfigs.
type ScriptedCompleter struct {
	mu      sync.Mutex
	Replies map[agents.Role][]string
	Errs    map[agents.Role]error
	Prompts map[agents.Role][]string
}

func NewScriptedCompleter() *ScriptedCompleter {
	return &ScriptedCompleter{
		Replies: map[agents.Role][]string{},
		Errs:    map[agents.Role]error{},
		Prompts: map[agents.Role][]string{},
	}
}

// PlateCompleter scripts a complete plate synthesis.
func PlateCompleter() *ScriptedCompleter {
	c := NewScriptedCompleter()
	c.Replies[agents.RoleDisassembler] = []string{PlateDisassembly}
	c.Replies[agents.RoleCodeWriter] = []string{"```go\n" + PlateBodyPart + "```", PlateRimPart}
	c.Replies[agents.RoleAssembler] = []string{PlateProgram}
	return c
}

func (s *ScriptedCompleter) Complete(ctx context.Context, req agents.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role := agents.Role(req.Model)
	s.Prompts[role] = append(s.Prompts[role], req.Messages[len(req.Messages)-1].Content)
	if err := s.Errs[role]; err != nil {
		return "", err
	}
	queue := s.Replies[role]
	if len(queue) == 0 {
		return "", nil
	}
	s.Replies[role] = queue[1:]
	return queue[0], nil
}

// PromptsFor returns a copy of the user prompts sent to role.
func (s *ScriptedCompleter) PromptsFor(role agents.Role) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Prompts[role]...)
}

// RoleConfigs returns the default role configurations with each model
// renamed to its role, so a ScriptedCompleter can tell the roles apart.
func RoleConfigs() map[agents.Role]agents.RoleConfig {
	configs := agents.DefaultRoleConfigs()
	for role, cfg := range configs {
		cfg.Model = string(role)
		configs[role] = cfg
	}
	return configs
}
