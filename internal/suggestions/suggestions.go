// Package suggestions tracks the potential nodes of a map and which of them the user
// has already turned into questions.
package suggestions

import (
	"github.com/thoughtmap/pkg/models"
)

// Manager holds the potential nodes of one map plus the set of used ones. A used
// potential node stays listed so it can be shown struck through. Not safe for
// concurrent use.
type Manager struct {
	nodes []models.PotentialNode
	used  map[string]bool
}

// New returns an empty Manager
func New() *Manager {
	return &Manager{used: make(map[string]bool)}
}

// Load replaces all potential nodes and clears the used set
func (m *Manager) Load(nodes []models.PotentialNode) {
	m.nodes = append([]models.PotentialNode(nil), nodes...)
	m.used = make(map[string]bool)
}

// Add appends potential nodes
func (m *Manager) Add(nodes ...models.PotentialNode) {
	m.nodes = append(m.nodes, nodes...)
}

// MarkUsed records that a potential node was asked. Calling it twice is harmless.
func (m *Manager) MarkUsed(id string) {
	m.used[id] = true
}

// IsUsed reports whether id was marked used
func (m *Manager) IsUsed(id string) bool {
	return m.used[id]
}

// Replace drops the ai-sourced potential nodes under parentID and appends newNodes.
// Entries under other parents and forked_author entries are kept. It returns the
// dropped entries.
func (m *Manager) Replace(parentID string, newNodes []models.PotentialNode) []models.PotentialNode {
	var removed []models.PotentialNode
	kept := make([]models.PotentialNode, 0, len(m.nodes)+len(newNodes))
	for _, p := range m.nodes {
		if p.ParentNodeID == parentID && p.Source == models.PotentialSourceAI {
			removed = append(removed, p)
			delete(m.used, p.ID)
			continue
		}
		kept = append(kept, p)
	}
	m.nodes = append(kept, newNodes...)
	return removed
}

// ForNode returns the potential nodes under nodeID
func (m *Manager) ForNode(nodeID string) []models.PotentialNode {
	return m.Matching(models.PotentialNodeFilter{ParentNodeID: nodeID})
}

// Matching returns the potential nodes accepted by filter
func (m *Manager) Matching(filter models.PotentialNodeFilter) []models.PotentialNode {
	var out []models.PotentialNode
	for _, p := range m.nodes {
		if filter.Matches(p) {
			out = append(out, p)
		}
	}
	return out
}

// Get returns one potential node by id
func (m *Manager) Get(id string) (models.PotentialNode, bool) {
	for _, p := range m.nodes {
		if p.ID == id {
			return p, true
		}
	}
	return models.PotentialNode{}, false
}

// All returns every potential node in insertion order
func (m *Manager) All() []models.PotentialNode {
	return append([]models.PotentialNode(nil), m.nodes...)
}

// UsedIDs returns the ids marked used that are still tracked
func (m *Manager) UsedIDs() []string {
	var ids []string
	for _, p := range m.nodes {
		if m.used[p.ID] {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
