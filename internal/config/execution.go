package config

import (
	"time"

	"github.com/haasonsaas/pilot/internal/agent"
)

// Execution resolves the process defaults into the sampling loop's
// configuration. Request-level overrides layer on top of the result via
// agent.ExecutionConfig.With. The tri-state toggles default to on when
// neither the file nor the environment set them.
func (c *Config) Execution() agent.ExecutionConfig {
	return agent.ExecutionConfig{
		Model:                 c.Model.Model,
		MaxTokens:             c.Model.MaxTokens,
		ThinkingEnabled:       onUnlessDisabled(c.Model.ThinkingEnabled),
		ThinkingBudgetTokens:  c.Model.ThinkingBudget,
		Betas:                 append([]string(nil), c.Model.Betas...),
		MaxIterations:         c.Agent.MaxIterations,
		LoopDelay:             time.Duration(c.Agent.LoopDelayMS) * time.Millisecond,
		MaxInlineScreenshots:  intOr(c.Agent.MaxInlineScreenshots, 3),
		KeepThinkingBlocks:    intOr(c.Agent.KeepThinkingBlocks, 1),
		PromptCaching:         onUnlessDisabled(c.Agent.PromptCaching),
		ContextManagement:     onUnlessDisabled(c.Context.Enabled),
		ContextTriggerTokens:  c.Context.TriggerTokens,
		ContextKeepToolUses:   c.Context.KeepToolUses,
		ContextClearMinTokens: c.Context.ClearMinTokens,
		ContextExcludeTools:   append([]string(nil), c.Context.ExcludeTools...),
		FullPayload:           c.Agent.FullPayload,
	}
}

func onUnlessDisabled(v *bool) bool {
	return v == nil || *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
