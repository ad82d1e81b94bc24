package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ProjectsConfig is the on-disk shape of the override file: a map from
// project ID to a sparse Config whose non-zero fields win over the
// global config.
type ProjectsConfig struct {
	Projects map[string]Config `yaml:"projects"`
}

// Manager resolves the effective configuration for a project. One hub
// deployment often coordinates several projects with different risk
// profiles; the override file lets a sensitive project carry a smaller
// file-size cap or a stricter rule set without forking the deployment.
type Manager struct {
	mu        sync.RWMutex
	global    *Config
	overrides map[string]Config
}

// NewManager wraps an already-loaded global config. A missing override
// file is not an error, it just leaves every project on the global
// config.
func NewManager(global *Config, projectsPath string) (*Manager, error) {
	m := &Manager{global: global, overrides: make(map[string]Config)}
	if projectsPath == "" {
		return m, nil
	}

	f, err := os.Open(projectsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("open project overrides: %w", err)
	}
	defer f.Close()

	var pc ProjectsConfig
	if err := yaml.NewDecoder(f).Decode(&pc); err != nil {
		return nil, fmt.Errorf("decode project overrides: %w", err)
	}
	if pc.Projects != nil {
		m.overrides = pc.Projects
	}
	return m, nil
}

// Overridden reports whether projectID carries its own overrides.
func (m *Manager) Overridden(projectID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.overrides[projectID]
	return ok
}

// Get returns the effective config for projectID: a copy of the global
// config with the project's overrides laid on top. Only options that
// meaningfully vary per project are merged; server and storage wiring
// stay global.
func (m *Manager) Get(projectID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global
	o, ok := m.overrides[projectID]
	if !ok {
		return &effective
	}

	// Business rules.
	if o.Project.MaxFileSize != 0 {
		effective.Project.MaxFileSize = o.Project.MaxFileSize
	}
	if o.Project.AllowedExtensions != nil {
		effective.Project.AllowedExtensions = o.Project.AllowedExtensions
	}
	if o.Project.ProtectedPaths != nil {
		effective.Project.ProtectedPaths = o.Project.ProtectedPaths
	}

	// Pipeline throughput and escalation patience.
	if o.Dispatcher.RatePerSecond != 0 {
		effective.Dispatcher.RatePerSecond = o.Dispatcher.RatePerSecond
	}
	if o.Dispatcher.ExpertTimeout != 0 {
		effective.Dispatcher.ExpertTimeout = o.Dispatcher.ExpertTimeout
	}

	// Rule file, so one project can run a stricter policy set.
	if o.Policy.ConfigPath != "" {
		effective.Policy.ConfigPath = o.Policy.ConfigPath
	}

	// Session limits.
	if o.Session.Timeout != 0 {
		effective.Session.Timeout = o.Session.Timeout
	}
	if o.Session.MaxConcurrentSessions != 0 {
		effective.Session.MaxConcurrentSessions = o.Session.MaxConcurrentSessions
	}
	if o.Session.OpsPerMinute != 0 {
		effective.Session.OpsPerMinute = o.Session.OpsPerMinute
	}

	// Surface throughput.
	if o.VFS.OpsPerSecond != 0 {
		effective.VFS.OpsPerSecond = o.VFS.OpsPerSecond
	}
	if o.Stream.BufferSize != 0 {
		effective.Stream.BufferSize = o.Stream.BufferSize
	}

	return &effective
}
