package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

// ProjectOverride holds operator-edited per-project settings. Nil fields fall
// through to the datastore row and then to global defaults.
type ProjectOverride struct {
	Enabled   *bool `yaml:"enabled"`
	MaxAgents *int  `yaml:"max_agents"`
}

type projectsFile struct {
	Projects map[string]ProjectOverride `yaml:"projects"`
}

// LoadProjectOverrides reads the projects file. A missing file or empty path
// yields no overrides.
func LoadProjectOverrides(path string) (map[string]ProjectOverride, error) {
	if path == "" {
		return map[string]ProjectOverride{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]ProjectOverride{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projects file: %w", err)
	}

	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse projects file %s: %w", path, err)
	}
	if pf.Projects == nil {
		pf.Projects = map[string]ProjectOverride{}
	}
	return pf.Projects, nil
}

// ProjectSettings is the effective configuration for one project.
type ProjectSettings struct {
	Enabled   bool
	MaxAgents int
}

// ResolveProject layers the override and datastore row over the global defaults.
func (c *WorkLoopConfig) ResolveProject(project domain.Project, overrides map[string]ProjectOverride) ProjectSettings {
	settings := ProjectSettings{
		Enabled:   project.WorkLoopEnabled,
		MaxAgents: c.MaxAgentsPerProject,
	}
	if project.MaxAgents > 0 {
		settings.MaxAgents = project.MaxAgents
	}
	if o, ok := overrides[project.ProjectID]; ok {
		if o.Enabled != nil {
			settings.Enabled = *o.Enabled
		}
		if o.MaxAgents != nil {
			settings.MaxAgents = *o.MaxAgents
		}
	}
	if !c.Enabled {
		settings.Enabled = false
	}
	return settings
}
