// Package graph holds the in-memory node/edge/QA model of one map.
//
// Hierarchy is derived from edges only: the primary parent of a node is the source of
// the first system edge (IsUserCreated == false) that targets it. User-drawn edges are
// rendered but never take part in hierarchy.
//
// A Model is not safe for concurrent use; the owning session serializes access.
package graph

import (
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/thoughtmap/pkg/models"
)

var (
	ErrNodeNotFound    = errors.New("graph: node not found")
	ErrMergeSelf       = errors.New("graph: cannot merge a node into itself")
	ErrMergeCycle      = errors.New("graph: merge target lies below the merge source")
	ErrReparentCycle   = errors.New("graph: new parent lies below the node")
	ErrDuplicateNodeID = errors.New("graph: duplicate node id")
	ErrEmptyNode       = errors.New("graph: node has no QAs")
)

// Model is the node, edge and QA state of one map
type Model struct {
	mapID string
	nodes []*models.Node
	index map[string]*models.Node
	edges []models.Edge
	qas   []models.QA
}

// New returns an empty model for mapID
func New(mapID string) *Model {
	return &Model{
		mapID: mapID,
		index: make(map[string]*models.Node),
	}
}

// MapID returns the id of the map this model belongs to
func (m *Model) MapID() string {
	return m.mapID
}

// Load replaces the model contents with a snapshot fetched from storage
func (m *Model) Load(snap models.Snapshot) {
	m.mapID = snap.Map.ID
	m.nodes = m.nodes[:0]
	m.index = make(map[string]*models.Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		node := cloneNode(n)
		m.nodes = append(m.nodes, &node)
		m.index[node.ID] = &node
	}
	m.edges = append([]models.Edge(nil), snap.Edges...)
	m.qas = append([]models.QA(nil), snap.QAs...)
	sort.SliceStable(m.qas, func(i, j int) bool {
		return m.qas[i].Timestamp < m.qas[j].Timestamp
	})
}

// AddNode appends node. When parentID is set and no edge targets the node yet, a
// system edge parentID -> node is synthesized and returned.
func (m *Model) AddNode(node models.Node, parentID string) (*models.Edge, error) {
	if _, exists := m.index[node.ID]; exists {
		return nil, ErrDuplicateNodeID
	}
	if len(node.QAs) == 0 {
		return nil, ErrEmptyNode
	}
	if node.MapID == "" {
		node.MapID = m.mapID
	}

	n := cloneNode(node)
	m.nodes = append(m.nodes, &n)
	m.index[n.ID] = &n

	if parentID == "" || parentID == n.ID || m.hasIncomingEdge(n.ID) {
		return nil, nil
	}
	edge := models.Edge{
		ID:           uuid.NewString(),
		MapID:        m.mapID,
		SourceNodeID: parentID,
		TargetNodeID: n.ID,
		EdgeType:     models.DefaultEdgeType,
	}
	m.edges = append(m.edges, edge)
	return &edge, nil
}

// UpdateNode shallow-merges position and hidden flag from patch. ParentNodeID is not
// handled here, see Reparent. It reports false for an unknown id.
func (m *Model) UpdateNode(id string, patch models.NodePatch) bool {
	n, ok := m.index[id]
	if !ok {
		return false
	}
	if patch.Position != nil {
		pos := *patch.Position
		n.Position = &pos
	}
	if patch.IsHidden != nil {
		n.IsHidden = *patch.IsHidden
	}
	return true
}

// HideNode marks a node hidden. Children are not touched.
func (m *Model) HideNode(id string) bool {
	n, ok := m.index[id]
	if !ok {
		return false
	}
	n.IsHidden = true
	return true
}

// RestoreNode clears the hidden flag. A node emptied by a merge stays hidden.
func (m *Model) RestoreNode(id string) bool {
	n, ok := m.index[id]
	if !ok || len(n.QAs) == 0 {
		return false
	}
	n.IsHidden = false
	return true
}

// MergeNodes moves the QAs of source after those of target, re-points the edges leaving
// source to target and hides source. It validates everything before mutating, so it is
// either fully applied or not at all.
func (m *Model) MergeNodes(sourceID, targetID string) error {
	if sourceID == targetID {
		return ErrMergeSelf
	}
	source, ok := m.index[sourceID]
	if !ok {
		return ErrNodeNotFound
	}
	target, ok := m.index[targetID]
	if !ok {
		return ErrNodeNotFound
	}
	if m.inSubtree(sourceID, targetID) {
		return ErrMergeCycle
	}

	qas := make([]models.QA, 0, len(target.QAs)+len(source.QAs))
	qas = append(qas, target.QAs...)
	qas = append(qas, source.QAs...)
	target.QAs = qas
	source.QAs = nil

	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.SourceNodeID == sourceID {
			if e.TargetNodeID == targetID {
				// a user edge source -> target would become a self loop
				continue
			}
			e.SourceNodeID = targetID
		}
		kept = append(kept, e)
	}
	m.edges = kept

	source.IsHidden = true
	return nil
}

// Reparent makes parentID the primary parent of id by rewriting its system edge.
// An empty parentID turns the node into a root. The returned edge is the new primary
// edge, nil for a root.
func (m *Model) Reparent(id, parentID string) (*models.Edge, error) {
	if _, ok := m.index[id]; !ok {
		return nil, ErrNodeNotFound
	}
	if parentID != "" {
		if _, ok := m.index[parentID]; !ok {
			return nil, ErrNodeNotFound
		}
		if parentID == id || m.inSubtree(id, parentID) {
			return nil, ErrReparentCycle
		}
	}

	primary := m.primaryEdgeIndex(id)
	switch {
	case parentID == "" && primary >= 0:
		m.edges = append(m.edges[:primary], m.edges[primary+1:]...)
		return nil, nil
	case parentID == "":
		return nil, nil
	case primary >= 0:
		m.edges[primary].SourceNodeID = parentID
		edge := m.edges[primary]
		return &edge, nil
	}

	edge := models.Edge{
		ID:           uuid.NewString(),
		MapID:        m.mapID,
		SourceNodeID: parentID,
		TargetNodeID: id,
		EdgeType:     models.DefaultEdgeType,
	}
	m.edges = append(m.edges, edge)
	return &edge, nil
}

// AddEdge appends edge, filling in id, map id and edge type when empty
func (m *Model) AddEdge(edge models.Edge) models.Edge {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.MapID == "" {
		edge.MapID = m.mapID
	}
	if edge.EdgeType == "" {
		edge.EdgeType = models.DefaultEdgeType
	}
	if edge.Style != nil {
		style := *edge.Style
		edge.Style = &style
	}
	m.edges = append(m.edges, edge)
	return edge
}

// RemoveEdge deletes an edge. Its endpoints are left alone.
func (m *Model) RemoveEdge(id string) bool {
	for i, e := range m.edges {
		if e.ID == id {
			m.edges = append(m.edges[:i], m.edges[i+1:]...)
			return true
		}
	}
	return false
}

// Edge returns one edge by id
func (m *Model) Edge(id string) (models.Edge, bool) {
	for _, e := range m.edges {
		if e.ID == id {
			return e, true
		}
	}
	return models.Edge{}, false
}

// ParentOf returns the primary parent of id
func (m *Model) ParentOf(id string) (string, bool) {
	if i := m.primaryEdgeIndex(id); i >= 0 {
		return m.edges[i].SourceNodeID, true
	}
	return "", false
}

// ChildrenOf returns the nodes whose primary parent is id, in edge order
func (m *Model) ChildrenOf(id string) []string {
	parents := m.primaryParents()
	var children []string
	for _, e := range m.edges {
		if e.IsUserCreated || e.SourceNodeID != id {
			continue
		}
		if parents[e.TargetNodeID] == id {
			children = append(children, e.TargetNodeID)
			delete(parents, e.TargetNodeID)
		}
	}
	return children
}

// Roots returns the nodes without a primary parent, in insertion order
func (m *Model) Roots() []string {
	parents := m.primaryParents()
	var roots []string
	for _, n := range m.nodes {
		if _, ok := parents[n.ID]; !ok {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// Node returns a copy of one node
func (m *Model) Node(id string) (models.Node, bool) {
	n, ok := m.index[id]
	if !ok {
		return models.Node{}, false
	}
	return cloneNode(*n), true
}

// Nodes returns copies of all nodes in insertion order
func (m *Model) Nodes() []models.Node {
	out := make([]models.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, cloneNode(*n))
	}
	return out
}

// Edges returns a copy of the edge list
func (m *Model) Edges() []models.Edge {
	return append([]models.Edge(nil), m.edges...)
}

// AddQA records a QA in the map history. Duplicate ids are ignored.
func (m *Model) AddQA(qa models.QA) bool {
	for _, existing := range m.qas {
		if existing.ID == qa.ID {
			return false
		}
	}
	i := sort.Search(len(m.qas), func(i int) bool {
		return m.qas[i].Timestamp > qa.Timestamp
	})
	m.qas = append(m.qas, models.QA{})
	copy(m.qas[i+1:], m.qas[i:])
	m.qas[i] = qa
	return true
}

// QAs returns the map history in ascending timestamp order
func (m *Model) QAs() []models.QA {
	return append([]models.QA(nil), m.qas...)
}

// NextTimestamp returns the sequence number for the next QA: 0 for an empty map,
// otherwise one past the largest timestamp seen.
func (m *Model) NextTimestamp() int {
	if len(m.qas) == 0 {
		return 0
	}
	return m.qas[len(m.qas)-1].Timestamp + 1
}

func (m *Model) hasIncomingEdge(id string) bool {
	for _, e := range m.edges {
		if e.TargetNodeID == id {
			return true
		}
	}
	return false
}

func (m *Model) primaryEdgeIndex(id string) int {
	for i, e := range m.edges {
		if e.TargetNodeID == id && !e.IsUserCreated {
			return i
		}
	}
	return -1
}

func (m *Model) primaryParents() map[string]string {
	parents := make(map[string]string)
	for _, e := range m.edges {
		if e.IsUserCreated {
			continue
		}
		if _, seen := parents[e.TargetNodeID]; !seen {
			parents[e.TargetNodeID] = e.SourceNodeID
		}
	}
	return parents
}

// inSubtree reports whether candidate is root or one of its descendants
func (m *Model) inSubtree(root, candidate string) bool {
	parents := m.primaryParents()
	visited := make(map[string]bool)
	for id := candidate; id != ""; {
		if id == root {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		id = parents[id]
	}
	return false
}

func cloneNode(n models.Node) models.Node {
	if n.Position != nil {
		pos := *n.Position
		n.Position = &pos
	}
	n.QAs = append([]models.QA(nil), n.QAs...)
	return n
}
