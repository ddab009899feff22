package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"radonflow/internal/config"
)

// Requirement defines an external command radonflow relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// WorkerRequirements lists the worker command of every configured stage.
// Disabled stages are reported as optional so status output still shows them.
func WorkerRequirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	reqs := make([]Requirement, 0, len(config.StageNames))
	for _, name := range config.StageNames {
		stage, _ := cfg.StageConfig(name)
		reqs = append(reqs, Requirement{
			Name:        name + " worker",
			Command:     stage.Command,
			Description: fmt.Sprintf("Runs the %s stage", name),
			Optional:    !stage.Enabled,
		})
	}
	return reqs
}
