package workflow

import (
	"context"

	"radonflow/internal/config"
	"radonflow/internal/preflight"
)

// StageHealth summarizes the readiness of a pipeline stage.
type StageHealth struct {
	Name   string
	Ready  bool
	Detail string
}

// HealthyStage constructs a ready StageHealth record.
func HealthyStage(name string) StageHealth {
	return StageHealth{Name: name, Ready: true}
}

// UnhealthyStage constructs an unhealthy StageHealth record with context detail.
func UnhealthyStage(name, detail string) StageHealth {
	return StageHealth{Name: name, Ready: false, Detail: detail}
}

// stageHealth resolves each stage's worker command.
func stageHealth(ctx context.Context, cfg *config.Config) map[string]StageHealth {
	statuses := preflight.CheckWorkers(ctx, cfg)
	health := make(map[string]StageHealth, len(statuses))
	for i, name := range config.StageNames {
		if i >= len(statuses) {
			break
		}
		st := statuses[i]
		switch {
		case !cfg.StageEnabled(name):
			health[name] = UnhealthyStage(name, "disabled")
		case !st.Available:
			health[name] = UnhealthyStage(name, st.Detail)
		default:
			h := HealthyStage(name)
			h.Detail = st.Command
			health[name] = h
		}
	}
	return health
}
