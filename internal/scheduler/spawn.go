// Package scheduler implements the kernel's Scheduler component: the
// wall-clock CronDriver and the event-based TriggerDriver, both of
// which spawn agents through the same ProcessTable.
package scheduler

import (
	"context"
	"encoding/json"

	"github.com/aether-run/aether/internal/process"
)

// AgentConfig is the JSON payload stored in a CronJob or EventTrigger's
// agent_config column: everything needed to spawn and brief an agent.
type AgentConfig struct {
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	Goal         string            `json:"goal"`
	SystemPrompt string            `json:"systemPrompt"`
	OwnerUID     string            `json:"ownerUid"`
	Env          map[string]string `json:"env,omitempty"`
}

// ParseAgentConfig decodes a stored agent_config JSON blob.
func ParseAgentConfig(raw string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Spawner starts a supervised agent from a decoded AgentConfig. It is
// satisfied by a closure over process.Table + agentloop.Loop so neither
// driver needs to know how the reasoning step or transcript are wired.
type Spawner func(ctx context.Context, cfg *AgentConfig) (*process.Process, error)
