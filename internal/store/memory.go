package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thoughtmap/pkg/models"
)

type memoryNode struct {
	node  models.Node
	qaIDs []string
}

// MemoryStore is a threadsafe in-memory Store for tests and database-less runs
type MemoryStore struct {
	mu         sync.RWMutex
	maps       map[string]models.Map
	mapOrder   []string
	qas        map[string]models.QA
	nodes      map[string]*memoryNode
	nodeOrder  []string
	edges      []models.Edge
	potentials []models.PotentialNode
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		maps:  make(map[string]models.Map),
		qas:   make(map[string]models.QA),
		nodes: make(map[string]*memoryNode),
		now:   time.Now,
	}
}

func (s *MemoryStore) CreateMap(ctx context.Context, title string) (models.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	m := models.Map{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	s.maps[m.ID] = m
	s.mapOrder = append(s.mapOrder, m.ID)
	return m, nil
}

func (s *MemoryStore) ListMaps(ctx context.Context) ([]models.MapSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MapSummary, 0, len(s.maps))
	for _, id := range s.mapOrder {
		sum := models.MapSummary{Map: s.maps[id]}
		for _, qa := range s.qas {
			if qa.MapID == id {
				sum.QACount++
			}
		}
		for _, n := range s.nodes {
			if n.node.MapID == id {
				sum.NodeCount++
			}
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateMap(ctx context.Context, id, title string) (models.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[id]
	if !ok {
		return models.Map{}, ErrNotFound
	}
	if title == "" {
		title = DefaultTitle
	}
	m.Title = title
	m.UpdatedAt = s.now()
	s.maps[id] = m
	return m, nil
}

func (s *MemoryStore) DeleteMap(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.maps[id]; !ok {
		return ErrNotFound
	}
	delete(s.maps, id)
	s.mapOrder = removeString(s.mapOrder, id)

	for qid, qa := range s.qas {
		if qa.MapID == id {
			delete(s.qas, qid)
		}
	}
	kept := s.nodeOrder[:0]
	for _, nid := range s.nodeOrder {
		if s.nodes[nid].node.MapID == id {
			delete(s.nodes, nid)
			continue
		}
		kept = append(kept, nid)
	}
	s.nodeOrder = kept

	edges := s.edges[:0]
	for _, e := range s.edges {
		if e.MapID != id {
			edges = append(edges, e)
		}
	}
	s.edges = edges

	potentials := s.potentials[:0]
	for _, p := range s.potentials {
		if p.MapID != id {
			potentials = append(potentials, p)
		}
	}
	s.potentials = potentials
	return nil
}

func (s *MemoryStore) FetchMap(ctx context.Context, id string) (models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.maps[id]
	if !ok {
		return models.Snapshot{}, ErrNotFound
	}

	snap := models.Snapshot{
		Map:            m,
		Nodes:          []models.Node{},
		Edges:          []models.Edge{},
		QAs:            []models.QA{},
		PotentialNodes: []models.PotentialNode{},
	}
	for _, qa := range s.qas {
		if qa.MapID == id {
			snap.QAs = append(snap.QAs, cloneQA(qa))
		}
	}
	sort.Slice(snap.QAs, func(i, j int) bool { return snap.QAs[i].Timestamp < snap.QAs[j].Timestamp })

	for _, nid := range s.nodeOrder {
		mn := s.nodes[nid]
		if mn.node.MapID != id {
			continue
		}
		snap.Nodes = append(snap.Nodes, s.materialize(mn))
	}
	for _, e := range s.edges {
		if e.MapID == id {
			snap.Edges = append(snap.Edges, cloneEdge(e))
		}
	}
	for _, p := range s.potentials {
		if p.MapID == id {
			snap.PotentialNodes = append(snap.PotentialNodes, p)
		}
	}
	return snap, nil
}

func (s *MemoryStore) CreateQA(ctx context.Context, qa models.QA) (models.QA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.maps[qa.MapID]; !ok {
		return models.QA{}, fmt.Errorf("map %s: %w", qa.MapID, ErrNotFound)
	}
	for _, existing := range s.qas {
		if existing.MapID == qa.MapID && existing.Timestamp == qa.Timestamp {
			return models.QA{}, fmt.Errorf("timestamp %d already used: %w", qa.Timestamp, ErrConflict)
		}
	}
	if qa.ID == "" {
		qa.ID = uuid.NewString()
	}
	if qa.Source == "" {
		qa.Source = models.QASourceUser
	}
	qa.SuggestedQuestions = ensureSliceNotNil(qa.SuggestedQuestions)
	s.qas[qa.ID] = cloneQA(qa)
	s.touch(qa.MapID)
	return qa, nil
}

func (s *MemoryStore) CreateNode(ctx context.Context, mapID, parentNodeID, initialQAID string) (models.Node, *models.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.maps[mapID]; !ok {
		return models.Node{}, nil, fmt.Errorf("map %s: %w", mapID, ErrNotFound)
	}
	if _, ok := s.qas[initialQAID]; !ok {
		return models.Node{}, nil, fmt.Errorf("qa %s: %w", initialQAID, ErrNotFound)
	}
	if parentNodeID != "" {
		if p, ok := s.nodes[parentNodeID]; !ok || p.node.MapID != mapID {
			return models.Node{}, nil, fmt.Errorf("parent node %s: %w", parentNodeID, ErrNotFound)
		}
	}

	order := 0
	for _, n := range s.nodes {
		if n.node.MapID == mapID {
			order++
		}
	}
	mn := &memoryNode{
		node:  models.Node{ID: uuid.NewString(), MapID: mapID, Order: order},
		qaIDs: []string{initialQAID},
	}
	s.nodes[mn.node.ID] = mn
	s.nodeOrder = append(s.nodeOrder, mn.node.ID)
	s.touch(mapID)

	var edge *models.Edge
	if parentNodeID != "" {
		e := models.Edge{
			ID:           uuid.NewString(),
			MapID:        mapID,
			SourceNodeID: parentNodeID,
			TargetNodeID: mn.node.ID,
			EdgeType:     models.DefaultEdgeType,
		}
		s.edges = append(s.edges, e)
		edge = &e
	}
	return s.materialize(mn), edge, nil
}

func (s *MemoryStore) UpdateNode(ctx context.Context, id string, patch models.NodePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mn, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Position != nil {
		pos := *patch.Position
		mn.node.Position = &pos
	}
	if patch.IsHidden != nil {
		mn.node.IsHidden = *patch.IsHidden
	}
	if patch.ParentNodeID != nil {
		parent := *patch.ParentNodeID
		if parent != "" {
			if _, ok := s.nodes[parent]; !ok {
				return fmt.Errorf("parent node %s: %w", parent, ErrNotFound)
			}
		}
		s.setParent(mn.node.MapID, id, parent)
	}
	s.touch(mn.node.MapID)
	return nil
}

func (s *MemoryStore) setParent(mapID, id, parent string) {
	for i, e := range s.edges {
		if e.TargetNodeID != id || e.IsUserCreated {
			continue
		}
		if parent == "" {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
		} else {
			s.edges[i].SourceNodeID = parent
		}
		return
	}
	if parent != "" {
		s.edges = append(s.edges, models.Edge{
			ID:           uuid.NewString(),
			MapID:        mapID,
			SourceNodeID: parent,
			TargetNodeID: id,
			EdgeType:     models.DefaultEdgeType,
		})
	}
}

func (s *MemoryStore) MergeNodes(ctx context.Context, sourceID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sourceID == targetID {
		return fmt.Errorf("merge %s into itself: %w", sourceID, ErrConflict)
	}
	source, ok := s.nodes[sourceID]
	if !ok {
		return fmt.Errorf("source node %s: %w", sourceID, ErrNotFound)
	}
	target, ok := s.nodes[targetID]
	if !ok {
		return fmt.Errorf("target node %s: %w", targetID, ErrNotFound)
	}

	target.qaIDs = append(target.qaIDs, source.qaIDs...)
	source.qaIDs = nil

	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.SourceNodeID == sourceID {
			if e.TargetNodeID == targetID {
				continue
			}
			e.SourceNodeID = targetID
		}
		kept = append(kept, e)
	}
	s.edges = kept

	source.node.IsHidden = true
	s.touch(source.node.MapID)
	return nil
}

func (s *MemoryStore) CreateEdge(ctx context.Context, edge models.Edge) (models.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[edge.SourceNodeID]; !ok {
		return models.Edge{}, fmt.Errorf("source node %s: %w", edge.SourceNodeID, ErrNotFound)
	}
	if _, ok := s.nodes[edge.TargetNodeID]; !ok {
		return models.Edge{}, fmt.Errorf("target node %s: %w", edge.TargetNodeID, ErrNotFound)
	}
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	for _, e := range s.edges {
		if e.ID == edge.ID {
			return models.Edge{}, fmt.Errorf("edge %s: %w", edge.ID, ErrConflict)
		}
	}
	if edge.EdgeType == "" {
		edge.EdgeType = models.DefaultEdgeType
	}
	edge = cloneEdge(edge)
	s.edges = append(s.edges, edge)
	s.touch(edge.MapID)
	return cloneEdge(edge), nil
}

func (s *MemoryStore) DeleteEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.edges {
		if e.ID == id {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			s.touch(e.MapID)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) CreatePotentialNodes(ctx context.Context, mapID, parentNodeID string, questions []string, source models.PotentialSource) ([]models.PotentialNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[parentNodeID]; !ok {
		return nil, fmt.Errorf("parent node %s: %w", parentNodeID, ErrNotFound)
	}
	if source == "" {
		source = models.PotentialSourceAI
	}
	out := make([]models.PotentialNode, 0, len(questions))
	for _, q := range questions {
		p := models.PotentialNode{
			ID:           uuid.NewString(),
			MapID:        mapID,
			ParentNodeID: parentNodeID,
			Question:     q,
			Source:       source,
		}
		s.potentials = append(s.potentials, p)
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) DeletePotentialNodes(ctx context.Context, filter models.PotentialNodeFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.potentials[:0]
	removed := 0
	for _, p := range s.potentials {
		if filter.Matches(p) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.potentials = kept
	return removed, nil
}

// materialize resolves the QA ids of a node; callers hold the lock
func (s *MemoryStore) materialize(mn *memoryNode) models.Node {
	n := mn.node
	if n.Position != nil {
		pos := *n.Position
		n.Position = &pos
	}
	n.QAs = make([]models.QA, 0, len(mn.qaIDs))
	for _, qid := range mn.qaIDs {
		if qa, ok := s.qas[qid]; ok {
			n.QAs = append(n.QAs, cloneQA(qa))
		}
	}
	return n
}

func (s *MemoryStore) touch(mapID string) {
	if m, ok := s.maps[mapID]; ok {
		m.UpdatedAt = s.now()
		s.maps[mapID] = m
	}
}

func cloneQA(qa models.QA) models.QA {
	qa.SuggestedQuestions = append([]string{}, qa.SuggestedQuestions...)
	return qa
}

func cloneEdge(e models.Edge) models.Edge {
	if e.Style != nil {
		style := *e.Style
		e.Style = &style
	}
	return e
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
