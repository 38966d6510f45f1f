// Package agent manages worker subprocess attempts for a session:
// model selection across the tier escalation table, output capture,
// summary extraction, and kill handling.
package agent

import (
	"fmt"

	"github.com/haivemind/haivemind/internal/common/config"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// SelectModel maps a task's starting tier and retry count to the model
// for the next attempt. Retries walk through the starting tier's model
// list in order, then escalate tier by tier. With escalation disabled,
// or once the top tier is exhausted, the last model of the relevant
// tier is reused.
func SelectModel(tiers map[v1.ModelTier][]config.ModelSpec, start v1.ModelTier, retries int, escalate bool) (v1.ModelTier, config.ModelSpec, error) {
	startIdx := -1
	for i, t := range v1.Tiers {
		if t == start {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return "", config.ModelSpec{}, fmt.Errorf("unknown model tier %q", start)
	}

	idx := retries
	for i := startIdx; i < len(v1.Tiers); i++ {
		tier := v1.Tiers[i]
		models := tiers[tier]
		if len(models) == 0 {
			continue
		}
		if !escalate && tier == start {
			if idx >= len(models) {
				idx = len(models) - 1
			}
			return tier, models[idx], nil
		}
		if idx < len(models) {
			return tier, models[idx], nil
		}
		idx -= len(models)
	}

	// every tier exhausted: stay on the strongest model available
	for i := len(v1.Tiers) - 1; i >= 0; i-- {
		models := tiers[v1.Tiers[i]]
		if len(models) > 0 {
			return v1.Tiers[i], models[len(models)-1], nil
		}
	}
	return "", config.ModelSpec{}, fmt.Errorf("tier table is empty")
}
