// Package session runs the mind map of one map: it owns the in-memory graph, layout and
// suggestion state, talks to the model for answers and keeps the store in step.
//
// A MapSession serializes its mutations with a single mutex. Asking a question is the
// only long operation: the model is consulted without holding the lock and the result
// is committed under it, so the rest of the map stays usable while an answer streams.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/internal/graph"
	"github.com/thoughtmap/internal/layout"
	"github.com/thoughtmap/internal/llm"
	"github.com/thoughtmap/internal/logging"
	"github.com/thoughtmap/internal/parser"
	"github.com/thoughtmap/internal/store"
	"github.com/thoughtmap/internal/stream"
	"github.com/thoughtmap/internal/suggestions"
	"github.com/thoughtmap/pkg/models"
)

var (
	ErrQuestionInFlight    = errors.New("session: a question is already being answered")
	ErrEmptyQuestion       = errors.New("session: question is empty")
	ErrSuggestionUsed      = errors.New("session: suggestion was already asked")
	ErrSuggestionNotFound  = errors.New("session: suggestion not found")
	ErrEdgeNotFound        = errors.New("session: edge not found")
	ErrInvalidEdge         = errors.New("session: edge needs two distinct existing nodes")
	ErrNoQuestionToSuggest = errors.New("session: node has no question to build suggestions from")
)

// ErrSuggestionParentMismatch is returned when a suggestion is asked below a node other
// than the one it was suggested for
var ErrSuggestionParentMismatch = errors.New("session: suggestion belongs to another node")

// AskRequest is one question. ParentNodeID attaches the answer below an existing node;
// PotentialNodeID names the suggestion the question came from, if any. A suggestion is
// always answered below its own node, so ParentNodeID may be left empty with it.
type AskRequest struct {
	Question        string `json:"question"`
	ParentNodeID    string `json:"parentNodeId,omitempty"`
	PotentialNodeID string `json:"potentialNodeId,omitempty"`
	Model           string `json:"model,omitempty"`
}

// AskResult is what a committed question produced
type AskResult struct {
	Answer             string                 `json:"answer"`
	SuggestedQuestions []string               `json:"suggestedQuestions"`
	QA                 models.QA              `json:"qa"`
	Node               models.Node            `json:"node"`
	Edge               *models.Edge           `json:"edge,omitempty"`
	PotentialNodes     []models.PotentialNode `json:"potentialNodes"`
}

// RegenerateResult is the outcome of refreshing the suggestions of one node
type RegenerateResult struct {
	PotentialNodes []models.PotentialNode `json:"potentialNodes"`
	Fallback       bool                   `json:"fallback"`
	Attempts       int                    `json:"attempts"`
}

// PotentialView is a potential node plus its used flag
type PotentialView struct {
	models.PotentialNode
	Used bool `json:"used"`
}

// View is everything a client needs to draw the map
type View struct {
	Map            models.Map         `json:"map"`
	Nodes          []layout.Placement `json:"nodes"`
	Edges          []models.Edge      `json:"edges"`
	PotentialNodes []PotentialView    `json:"potentialNodes"`
}

// MapSession is the live state of one map
type MapSession struct {
	mu sync.Mutex

	meta        models.Map
	store       store.Store
	client      llm.Client
	suggester   *llm.Suggester
	graph       *graph.Model
	layout      *layout.Reconciler
	suggestions *suggestions.Manager
	transcript  *logging.Transcript
	model       string
	inFlight    bool
}

func newMapSession(snap models.Snapshot, deps dependencies, transcript *logging.Transcript) *MapSession {
	s := &MapSession{
		meta:        snap.Map,
		store:       deps.store,
		client:      deps.client,
		suggester:   deps.suggester,
		graph:       graph.New(snap.Map.ID),
		layout:      layout.New(deps.layout...),
		suggestions: suggestions.New(),
		transcript:  transcript,
		model:       deps.model,
	}
	s.graph.Load(snap)
	s.suggestions.Load(snap.PotentialNodes)
	return s
}

func (s *MapSession) setMeta(m models.Map) {
	s.mu.Lock()
	s.meta.Title = m.Title
	s.meta.UpdatedAt = m.UpdatedAt
	s.mu.Unlock()
}

// MapID returns the id of the map
func (s *MapSession) MapID() string {
	return s.meta.ID
}

// Ask answers a question with a single JSON completion and commits it
func (s *MapSession) Ask(ctx context.Context, req AskRequest) (AskResult, error) {
	req, history, err := s.begin(req)
	if err != nil {
		return AskResult{}, err
	}
	defer s.finish()

	raw, err := s.client.Complete(ctx, llm.WithSystem(llm.JSONPrompt, history), s.modelFor(req))
	if err != nil {
		s.transcript.Log("Completion failed: %v", err)
		return AskResult{}, fmt.Errorf("ask: %w", err)
	}
	s.transcript.LogBlock("RAW RESPONSE", raw)

	return s.commit(ctx, req, parser.Parse(raw))
}

// AskStream answers a question with a streamed completion. onFragment receives the
// fragments in arrival order from the calling goroutine. Nothing is committed when the
// stream fails or ctx ends first.
func (s *MapSession) AskStream(ctx context.Context, req AskRequest, onFragment func(fragment string)) (AskResult, error) {
	req, history, err := s.begin(req)
	if err != nil {
		return AskResult{}, err
	}
	defer s.finish()

	pipe := stream.NewPipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.client.CompleteStream(ctx, llm.WithSystem(llm.StreamPrompt, history), s.modelFor(req), func(fragment string) error {
			return pipe.Send(ctx, fragment)
		})
		pipe.CloseWithError(err)
	}()

	sent := 0
	asm := stream.NewAssembler(stream.WithUpdateHook(func(partial string) {
		if onFragment != nil && len(partial) > sent {
			onFragment(partial[sent:])
		}
		sent = len(partial)
	}))
	res, err := asm.Run(ctx, pipe)
	<-done
	if err != nil {
		s.transcript.Log("Stream ended in state %s: %v", asm.State(), err)
		return AskResult{}, fmt.Errorf("ask: %w", err)
	}
	s.transcript.LogBlock("RAW RESPONSE", asm.Partial())

	return s.commit(ctx, req, res)
}

// begin validates req, reserves the session for one question and returns the request
// with its parent resolved together with the history to send
func (s *MapSession) begin(req AskRequest) (AskRequest, []llm.Message, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return req, nil, ErrEmptyQuestion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight {
		return req, nil, ErrQuestionInFlight
	}
	if req.PotentialNodeID != "" {
		p, ok := s.suggestions.Get(req.PotentialNodeID)
		if !ok {
			return req, nil, ErrSuggestionNotFound
		}
		if s.suggestions.IsUsed(req.PotentialNodeID) {
			return req, nil, ErrSuggestionUsed
		}
		switch req.ParentNodeID {
		case "":
			req.ParentNodeID = p.ParentNodeID
		case p.ParentNodeID:
		default:
			return req, nil, ErrSuggestionParentMismatch
		}
	}
	if req.ParentNodeID != "" {
		if _, ok := s.graph.Node(req.ParentNodeID); !ok {
			return req, nil, fmt.Errorf("parent %s: %w", req.ParentNodeID, graph.ErrNodeNotFound)
		}
	}

	s.inFlight = true
	s.transcript.Log("Question: %s (parent=%q potential=%q)", question, req.ParentNodeID, req.PotentialNodeID)
	return req, llm.BuildHistory(s.graph.QAs(), question), nil
}

func (s *MapSession) finish() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *MapSession) modelFor(req AskRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return s.model
}

// commit persists the answer as a QA with its node, edge and follow-up suggestions and
// applies the same changes to the in-memory state
func (s *MapSession) commit(ctx context.Context, req AskRequest, res parser.Result) (AskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	question := strings.TrimSpace(req.Question)
	source := models.QASourceUser
	asked, fromSuggestion := s.suggestions.Get(req.PotentialNodeID)
	if fromSuggestion {
		source = models.QASourceAISuggestion
		if asked.Source == models.PotentialSourceForkedAuthor {
			source = models.QASourceForkedAuthor
		}
	}

	qa, err := s.store.CreateQA(ctx, models.QA{
		MapID:              s.meta.ID,
		Question:           question,
		Answer:             res.Answer,
		SuggestedQuestions: res.SuggestedQuestions,
		Timestamp:          s.graph.NextTimestamp(),
		Source:             source,
	})
	if err != nil {
		return AskResult{}, fmt.Errorf("save qa: %w", err)
	}
	s.graph.AddQA(qa)

	node, edge, err := s.store.CreateNode(ctx, s.meta.ID, req.ParentNodeID, qa.ID)
	if err != nil {
		return AskResult{}, fmt.Errorf("save node: %w", err)
	}
	if edge != nil {
		s.graph.AddEdge(*edge)
	}
	if node.QAs == nil {
		node.QAs = []models.QA{qa}
	}
	if _, err := s.graph.AddNode(node, req.ParentNodeID); err != nil {
		return AskResult{}, fmt.Errorf("add node: %w", err)
	}

	if req.PotentialNodeID != "" {
		s.suggestions.MarkUsed(req.PotentialNodeID)
	}
	if req.ParentNodeID != "" {
		s.retireAsked(ctx, req.ParentNodeID, question)
		if fromSuggestion && asked.Question != question {
			s.retireAsked(ctx, req.ParentNodeID, asked.Question)
		}
	}

	result := AskResult{
		Answer:             res.Answer,
		SuggestedQuestions: res.SuggestedQuestions,
		QA:                 qa,
		Node:               node,
		Edge:               edge,
		PotentialNodes:     []models.PotentialNode{},
	}

	if len(res.SuggestedQuestions) > 0 {
		created, err := s.store.CreatePotentialNodes(ctx, s.meta.ID, node.ID, res.SuggestedQuestions, models.PotentialSourceAI)
		if err != nil {
			// the answer itself is saved; missing suggestions can be regenerated
			log.Error().Err(err).Str("map_id", s.meta.ID).Str("node_id", node.ID).Msg("Failed to save suggestions")
		} else {
			s.suggestions.Add(created...)
			result.PotentialNodes = created
		}
	}

	s.transcript.Log("Committed qa=%s node=%s suggestions=%d", qa.ID, node.ID, len(result.PotentialNodes))
	log.Debug().
		Str("map_id", s.meta.ID).
		Str("node_id", node.ID).
		Int("timestamp", qa.Timestamp).
		Int("suggestions", len(result.PotentialNodes)).
		Msg("Question committed")
	return result, nil
}

// retireAsked marks the suggestions under parentID with the given question as used and
// deletes them from the store
func (s *MapSession) retireAsked(ctx context.Context, parentID, question string) {
	filter := models.PotentialNodeFilter{MapID: s.meta.ID, ParentNodeID: parentID, Question: question}
	for _, p := range s.suggestions.Matching(filter) {
		s.suggestions.MarkUsed(p.ID)
	}
	if _, err := s.store.DeletePotentialNodes(ctx, filter); err != nil {
		log.Warn().Err(err).Str("map_id", s.meta.ID).Str("parent_id", parentID).Msg("Failed to delete asked suggestions")
	}
}

// Merge folds source into target
func (s *MapSession) Merge(ctx context.Context, sourceID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.graph.MergeNodes(sourceID, targetID); err != nil {
		return err
	}
	return s.persist(s.store.MergeNodes(ctx, sourceID, targetID), "merge", sourceID)
}

// Hide hides one node; its children stay visible
func (s *MapSession) Hide(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.graph.HideNode(id) {
		return s.unknownNode("hide", id)
	}
	hidden := true
	return s.persist(s.store.UpdateNode(ctx, id, models.NodePatch{IsHidden: &hidden}), "hide", id)
}

// Restore shows a hidden node again. Nodes emptied by a merge cannot be restored.
func (s *MapSession) Restore(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.graph.RestoreNode(id) {
		if _, ok := s.graph.Node(id); ok {
			return graph.ErrEmptyNode
		}
		return s.unknownNode("restore", id)
	}
	hidden := false
	return s.persist(s.store.UpdateNode(ctx, id, models.NodePatch{IsHidden: &hidden}), "restore", id)
}

// Move records a drag. The position wins over any automatic placement.
func (s *MapSession) Move(ctx context.Context, id string, pos models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.graph.UpdateNode(id, models.NodePatch{Position: &pos}) {
		return s.unknownNode("move", id)
	}
	s.layout.Drag(id, pos)
	return s.persist(s.store.UpdateNode(ctx, id, models.NodePatch{Position: &pos}), "move", id)
}

// Collapse hides or shows the descendants of id in the view. It is not persisted.
func (s *MapSession) Collapse(id string, collapsed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.graph.Node(id); !ok {
		return s.unknownNode("collapse", id)
	}
	s.layout.SetCollapsed(id, collapsed)
	return nil
}

// Reparent moves id below parentID, or makes it a root for an empty parentID
func (s *MapSession) Reparent(ctx context.Context, id, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hadParent := s.graph.ParentOf(id)
	edge, err := s.graph.Reparent(id, parentID)
	if err != nil {
		return err
	}
	if !hadParent && edge != nil {
		_, err = s.store.CreateEdge(ctx, *edge)
		return s.persist(err, "reparent", id)
	}
	return s.persist(s.store.UpdateNode(ctx, id, models.NodePatch{ParentNodeID: &parentID}), "reparent", id)
}

// Connect draws a user edge between two nodes. User edges never affect the hierarchy.
func (s *MapSession) Connect(ctx context.Context, edge models.Edge) (models.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if edge.SourceNodeID == edge.TargetNodeID {
		return models.Edge{}, ErrInvalidEdge
	}
	for _, id := range []string{edge.SourceNodeID, edge.TargetNodeID} {
		if _, ok := s.graph.Node(id); !ok {
			return models.Edge{}, fmt.Errorf("%w: %s", ErrInvalidEdge, graph.ErrNodeNotFound)
		}
	}
	edge.IsUserCreated = true
	edge.MapID = s.meta.ID
	edge = s.graph.AddEdge(edge)

	if _, err := s.store.CreateEdge(ctx, edge); err != nil {
		return edge, s.persist(err, "connect", edge.ID)
	}
	return edge, nil
}

// Disconnect removes an edge
func (s *MapSession) Disconnect(ctx context.Context, edgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.graph.RemoveEdge(edgeID) {
		log.Warn().Str("map_id", s.meta.ID).Str("edge_id", edgeID).Msg("Disconnect of unknown edge ignored")
		return ErrEdgeNotFound
	}
	return s.persist(s.store.DeleteEdge(ctx, edgeID), "disconnect", edgeID)
}

// Regenerate replaces the AI suggestions of a node with freshly generated ones. Used
// and forked suggestions under other nodes are untouched.
func (s *MapSession) Regenerate(ctx context.Context, nodeID, model string) (RegenerateResult, error) {
	s.mu.Lock()
	node, ok := s.graph.Node(nodeID)
	if !ok {
		s.mu.Unlock()
		return RegenerateResult{}, s.unknownNode("regenerate", nodeID)
	}
	primary, ok := node.PrimaryQA()
	if !ok {
		s.mu.Unlock()
		return RegenerateResult{}, ErrNoQuestionToSuggest
	}
	existing := s.knownQuestions()
	s.mu.Unlock()

	if model == "" {
		model = s.model
	}
	gen, err := s.suggester.Regenerate(ctx, primary.Question, primary.Answer, existing, model)
	if err != nil {
		return RegenerateResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filter := models.PotentialNodeFilter{MapID: s.meta.ID, ParentNodeID: nodeID, Source: models.PotentialSourceAI}
	if _, err := s.store.DeletePotentialNodes(ctx, filter); err != nil {
		return RegenerateResult{}, fmt.Errorf("delete old suggestions: %w", err)
	}
	created, err := s.store.CreatePotentialNodes(ctx, s.meta.ID, nodeID, gen.Questions, models.PotentialSourceAI)
	if err != nil {
		return RegenerateResult{}, fmt.Errorf("save suggestions: %w", err)
	}
	removed := s.suggestions.Replace(nodeID, created)

	log.Info().
		Str("map_id", s.meta.ID).
		Str("node_id", nodeID).
		Int("removed", len(removed)).
		Int("created", len(created)).
		Bool("fallback", gen.Fallback).
		Msg("Suggestions regenerated")
	return RegenerateResult{PotentialNodes: created, Fallback: gen.Fallback, Attempts: gen.Attempts}, nil
}

// knownQuestions lists the questions already asked in the map followed by the pending
// suggestions; callers hold the lock
func (s *MapSession) knownQuestions() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(q string) {
		if q != "" && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, qa := range s.graph.QAs() {
		add(qa.Question)
	}
	for _, p := range s.suggestions.All() {
		add(p.Question)
	}
	return out
}

// View lays out the visible part of the map
func (s *MapSession) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.layout.Reconcile(s.graph)
	all := s.suggestions.All()
	potentials := make([]PotentialView, 0, len(all))
	for _, p := range all {
		potentials = append(potentials, PotentialView{PotentialNode: p, Used: s.suggestions.IsUsed(p.ID)})
	}
	return View{Map: s.meta, Nodes: v.Nodes, Edges: v.Edges, PotentialNodes: potentials}
}

// Snapshot returns the current in-memory state in the store's shape
func (s *MapSession) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.Snapshot{
		Map:            s.meta,
		Nodes:          s.graph.Nodes(),
		Edges:          s.graph.Edges(),
		QAs:            s.graph.QAs(),
		PotentialNodes: s.suggestions.All(),
	}
}

// Close releases the transcript
func (s *MapSession) Close() error {
	return s.transcript.Close()
}

func (s *MapSession) unknownNode(op, id string) error {
	log.Warn().Str("map_id", s.meta.ID).Str("node_id", id).Str("op", op).Msg("Operation on unknown node ignored")
	return fmt.Errorf("%s %s: %w", op, id, graph.ErrNodeNotFound)
}

// persist logs and wraps a store failure after the in-memory change was applied
func (s *MapSession) persist(err error, op, id string) error {
	if err == nil {
		return nil
	}
	log.Error().Err(err).Str("map_id", s.meta.ID).Str("op", op).Str("id", id).Msg("Failed to persist change")
	return fmt.Errorf("persist %s: %w", op, err)
}
