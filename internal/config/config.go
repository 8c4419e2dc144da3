// Simple Git CI/CD is a single-node continuous-integration dispatcher.
// Copyright (C) 2026 Kaligraphy247
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config holds the dispatcher's ambient environment configuration
// and the live, reloadable registry of configured projects.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/Kaligraphy247/simple-git-cicd/pkg/cicd"
)

// Env holds the environment-sourced settings the dispatcher reads at
// startup.
type Env struct {
	BindAddress  string
	ConfigPath   string
	DatabasePath string
	// LogLevel is the optional structured-logging filter (debug|info|warn|
	// error), read from LOG_LEVEL. An explicit -log-level flag overrides it.
	LogLevel string
}

// LoadEnv reads BIND_ADDRESS, CICD_CONFIG, DATABASE_PATH and LOG_LEVEL,
// applying their documented defaults.
func LoadEnv() Env {
	return Env{
		BindAddress:  getenv("BIND_ADDRESS", "127.0.0.1:8888"),
		ConfigPath:   getenv("CICD_CONFIG", "cicd_config.toml"),
		DatabasePath: getenv("DATABASE_PATH", "cicd_data.db"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// fileConfig is the on-disk TOML shape: a top-level list of [[project]]
// tables.
type fileConfig struct {
	Projects []cicd.Project `toml:"project"`
}

// Registry is the live set of configured projects, safe for concurrent
// reads from webhook handling and concurrent replacement from a reload.
type Registry struct {
	mu       sync.RWMutex
	projects []cicd.Project
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Load parses path as TOML and atomically replaces the registry's project
// list. A missing or malformed file is a ConfigDefect.
func (r *Registry) Load(path string) error {
	var fc fileConfig
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return cicd.NewError(cicd.ErrConfigDefect, fmt.Errorf("load %s: %w", path, err))
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cicd.NewError(cicd.ErrConfigDefect, fmt.Errorf("load %s: unknown field %q", path, undecoded[0].String()))
	}

	for i := range fc.Projects {
		if fc.Projects[i].Name == "" {
			return cicd.NewError(cicd.ErrConfigDefect, fmt.Errorf("project at index %d missing name", i))
		}
	}

	r.mu.Lock()
	r.projects = fc.Projects
	r.mu.Unlock()
	return nil
}

// FindProject returns the project matching name whose branch list contains
// branch, and whether a match was found.
func (r *Registry) FindProject(name, branch string) (cicd.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.projects {
		if p.Name == name && p.MatchesBranch(branch) {
			return p, true
		}
	}
	return cicd.Project{}, false
}

// Projects returns a snapshot copy of the currently configured projects.
func (r *Registry) Projects() []cicd.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cicd.Project, len(r.projects))
	copy(out, r.projects)
	return out
}
