package workflow

import (
	"context"
	"fmt"

	"radonflow/internal/catalog"
	"radonflow/internal/logging"
	"radonflow/internal/services"
)

// Status returns the latest scheduler information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:        m.running,
		Paused:         make(map[string]bool, len(m.stages)),
		Enabled:        make(map[string]bool, len(m.stages)),
		StoreAvailable: !m.storeHealth.down,
		StoreRetryAt:   m.storeHealth.retryAt,
		Cycles:         m.cycles,
		LastCycleAt:    m.lastCycle,
		Dispatched:     m.dispatched,
		Outcomes:       make(map[string]int64, len(m.outcomes)),
	}
	for _, stage := range m.stages {
		summary.Paused[string(stage)] = m.paused[stage]
		summary.Enabled[string(stage)] = m.cfg.StageEnabled(string(stage))
	}
	for kind, n := range m.outcomes {
		summary.Outcomes[string(kind)] = n
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	summary.Capacity = m.dispatcher.Capacity()
	summary.Available = m.dispatcher.Available()
	summary.Workers = m.dispatcher.Running()
	summary.StageHealth = stageHealth(ctx, m.cfg)
	return summary
}

// Pause stops dispatching new work for stage. Running workers finish normally.
func (m *Manager) Pause(name string) error {
	return m.setPaused(name, true)
}

// Resume re-enables dispatch for stage and triggers a cycle.
func (m *Manager) Resume(name string) error {
	if err := m.setPaused(name, false); err != nil {
		return err
	}
	m.TriggerCycle()
	return nil
}

func (m *Manager) setPaused(name string, paused bool) error {
	stage, ok := catalog.ParseStage(name)
	if !ok {
		return services.Wrap(services.ErrValidation, "workflow", "pause", fmt.Sprintf("unknown stage %q", name), nil)
	}
	m.mu.Lock()
	changed := m.paused[stage] != paused
	m.paused[stage] = paused
	m.mu.Unlock()
	if changed {
		event := "stage_resumed"
		if paused {
			event = "stage_paused"
		}
		m.logger.Info("stage dispatch toggled",
			logging.String(logging.FieldStage, string(stage)),
			logging.Bool("paused", paused),
			logging.String(logging.FieldEventType, event),
		)
	}
	return nil
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
