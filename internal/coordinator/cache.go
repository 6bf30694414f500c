// ABOUTME: Last-known in-memory view of agents and health assessments
// ABOUTME: Serves reads while the state store is unreachable

package coordinator

import (
	"sort"
	"sync"

	"github.com/2389/coven-warden/internal/health"
	"github.com/2389/coven-warden/internal/store"
)

type cache struct {
	mu          sync.RWMutex
	agents      map[string]*store.AgentRecord
	assessments map[string]health.Assessment
}

func newCache() *cache {
	return &cache{
		agents:      make(map[string]*store.AgentRecord),
		assessments: make(map[string]health.Assessment),
	}
}

func (c *cache) putAgent(a *store.AgentRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[a.ID] = a.Clone()
}

func (c *cache) agent(id string) (*store.AgentRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	return a.Clone(), ok
}

// replaceAgents swaps in a fresh listing from the store.
func (c *cache) replaceAgents(agents []*store.AgentRecord) {
	fresh := make(map[string]*store.AgentRecord, len(agents))
	for _, a := range agents {
		fresh[a.ID] = a.Clone()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = fresh
}

// listAgents returns copies ordered by registration time then id.
func (c *cache) listAgents() []*store.AgentRecord {
	c.mu.RLock()
	out := make([]*store.AgentRecord, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (c *cache) setAssessment(a health.Assessment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assessments[a.AgentID] = a
}

func (c *cache) assessment(agentID string) (health.Assessment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assessments[agentID]
	return a, ok
}
