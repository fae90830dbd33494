package dispatch

import (
	"context"
	"sync"

	"github.com/stewardhq/steward/runtime/runner"
)

// StaticDirectory is an in-memory Directory for development, tests, and
// deployments whose agent catalog ships with the binary. Organization agents
// shadow global agents with the same slug.
type StaticDirectory struct {
	mu     sync.RWMutex
	agents map[string]map[string]*runner.Agent
	global map[string]*runner.Agent
}

// NewStaticDirectory constructs an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		agents: make(map[string]map[string]*runner.Agent),
		global: make(map[string]*runner.Agent),
	}
}

var _ Directory = (*StaticDirectory)(nil)

// Add installs an agent. Agents marked global land in the global catalog;
// everything else is scoped to its organization.
func (d *StaticDirectory) Add(a *runner.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.Global {
		d.global[a.Slug] = a
		return
	}
	byOrg, ok := d.agents[a.OrgSlug]
	if !ok {
		byOrg = make(map[string]*runner.Agent)
		d.agents[a.OrgSlug] = byOrg
	}
	byOrg[a.Slug] = a
}

// FindAgent implements Directory.
func (d *StaticDirectory) FindAgent(_ context.Context, orgSlug, slug string) (*runner.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if byOrg, ok := d.agents[orgSlug]; ok {
		if a, ok := byOrg[slug]; ok {
			return a, nil
		}
	}
	if a, ok := d.global[slug]; ok {
		return a, nil
	}
	return nil, ErrAgentNotFound
}
