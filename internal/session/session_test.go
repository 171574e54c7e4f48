package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoughtmap/internal/graph"
	"github.com/thoughtmap/internal/llm"
	"github.com/thoughtmap/internal/parser"
	"github.com/thoughtmap/internal/retry"
	"github.com/thoughtmap/internal/store"
	"github.com/thoughtmap/internal/stream"
	"github.com/thoughtmap/pkg/models"
)

// fakeLLM answers every question with a canned answer and two follow-ups
type fakeLLM struct {
	mu        sync.Mutex
	histories [][]llm.Message

	jsonReply    string
	suggestReply string
	streamErr    error
	block        chan struct{}
	started      chan struct{}
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{started: make(chan struct{}, 8)}
}

func answerFor(question string) string {
	return "Answer to " + question
}

func streamChunks(question string) []string {
	return []string{
		"Answer to ",
		question,
		"\n" + parser.Separator + "\n",
		fmt.Sprintf(`["Follow up one of %s", "Follow up two of %s"]`, question, question),
	}
}

func (f *fakeLLM) record(history []llm.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, history)
}

func (f *fakeLLM) Complete(ctx context.Context, history []llm.Message, model string) (string, error) {
	f.record(history)
	if history[0].Content == llm.SuggestionPrompt {
		return f.suggestReply, nil
	}
	if f.jsonReply != "" {
		return f.jsonReply, nil
	}
	q := history[len(history)-1].Content
	return fmt.Sprintf(`{"answer": %q, "suggestedQuestions": []}`, answerFor(q)), nil
}

func (f *fakeLLM) CompleteStream(ctx context.Context, history []llm.Message, model string, onFragment func(string) error) (string, error) {
	f.record(history)
	f.started <- struct{}{}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	var b strings.Builder
	chunks := streamChunks(history[len(history)-1].Content)
	for i, c := range chunks {
		if f.streamErr != nil && i == 1 {
			return "", f.streamErr
		}
		if err := onFragment(c); err != nil {
			return "", err
		}
		b.WriteString(c)
	}
	return b.String(), nil
}

func (f *fakeLLM) lastHistory() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.histories[len(f.histories)-1]
}

type fixture struct {
	manager *Manager
	store   *store.MemoryStore
	llm     *fakeLLM
	session *MapSession
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	fake := newFakeLLM()
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	mgr := NewManager(st, fake, llm.NewSuggester(fake, policy, 0), Options{})
	t.Cleanup(mgr.Close)

	m, err := mgr.CreateMap(context.Background(), "Go")
	require.NoError(t, err)
	s, err := mgr.Session(context.Background(), m.ID)
	require.NoError(t, err)
	return fixture{manager: mgr, store: st, llm: fake, session: s}
}

func (fx fixture) ask(t *testing.T, question, parentID string) AskResult {
	t.Helper()
	res, err := fx.session.AskStream(context.Background(), AskRequest{Question: question, ParentNodeID: parentID}, nil)
	require.NoError(t, err)
	return res
}

func (fx fixture) stored(t *testing.T) models.Snapshot {
	t.Helper()
	snap, err := fx.store.FetchMap(context.Background(), fx.session.MapID())
	require.NoError(t, err)
	return snap
}

func TestAskStream_Root(t *testing.T) {
	fx := newFixture(t)

	var fragments []string
	res, err := fx.session.AskStream(context.Background(), AskRequest{Question: "What is Go?"}, func(f string) {
		fragments = append(fragments, f)
	})
	require.NoError(t, err)

	assert.Equal(t, strings.Join(streamChunks("What is Go?"), ""), strings.Join(fragments, ""))
	assert.Equal(t, "Answer to What is Go?", res.Answer)
	assert.Equal(t, []string{"Follow up one of What is Go?", "Follow up two of What is Go?"}, res.SuggestedQuestions)
	assert.Equal(t, 0, res.QA.Timestamp)
	assert.Equal(t, models.QASourceUser, res.QA.Source)
	assert.Nil(t, res.Edge)
	require.Len(t, res.PotentialNodes, 2)
	assert.Equal(t, res.Node.ID, res.PotentialNodes[0].ParentNodeID)

	history := fx.llm.lastHistory()
	assert.Equal(t, llm.StreamPrompt, history[0].Content)
	assert.Len(t, history, 2)

	view := fx.session.View()
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, models.Position{X: 400, Y: 50}, view.Nodes[0].Position)
	assert.Len(t, view.PotentialNodes, 2)

	snap := fx.stored(t)
	assert.Len(t, snap.QAs, 1)
	assert.Len(t, snap.Nodes, 1)
	assert.Len(t, snap.PotentialNodes, 2)
}

func TestAskStream_FromSuggestion(t *testing.T) {
	fx := newFixture(t)
	root := fx.ask(t, "What is Go?", "")
	potential := root.PotentialNodes[0]

	res, err := fx.session.AskStream(context.Background(), AskRequest{
		Question:        potential.Question,
		ParentNodeID:    root.Node.ID,
		PotentialNodeID: potential.ID,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.QA.Timestamp)
	assert.Equal(t, models.QASourceAISuggestion, res.QA.Source)
	require.NotNil(t, res.Edge)
	assert.Equal(t, root.Node.ID, res.Edge.SourceNodeID)
	assert.Equal(t, res.Node.ID, res.Edge.TargetNodeID)

	// previous exchanges are sent as history in timestamp order
	want := []llm.Message{
		{Role: llm.RoleSystem, Content: llm.StreamPrompt},
		{Role: llm.RoleUser, Content: "What is Go?"},
		{Role: llm.RoleAssistant, Content: "Answer to What is Go?"},
		{Role: llm.RoleUser, Content: potential.Question},
	}
	if diff := cmp.Diff(want, fx.llm.lastHistory()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	_, err = fx.session.AskStream(context.Background(), AskRequest{
		Question:        potential.Question,
		ParentNodeID:    root.Node.ID,
		PotentialNodeID: potential.ID,
	}, nil)
	assert.ErrorIs(t, err, ErrSuggestionUsed)

	view := fx.session.View()
	used := map[string]bool{}
	for _, p := range view.PotentialNodes {
		used[p.ID] = p.Used
	}
	assert.True(t, used[potential.ID])
	assert.False(t, used[root.PotentialNodes[1].ID])

	// the asked suggestion is gone from the store, the other one stays
	var stored []string
	for _, p := range fx.stored(t).PotentialNodes {
		if p.ParentNodeID == root.Node.ID {
			stored = append(stored, p.Question)
		}
	}
	assert.Equal(t, []string{root.PotentialNodes[1].Question}, stored)
}

func TestAskStream_SuggestionParent(t *testing.T) {
	fx := newFixture(t)
	goNode := fx.ask(t, "What is Go?", "")
	rustNode := fx.ask(t, "What is Rust?", "")
	potential := goNode.PotentialNodes[0]

	// a suggestion asked under another node is rejected and stays available
	_, err := fx.session.AskStream(context.Background(), AskRequest{
		Question:        "Something else",
		ParentNodeID:    rustNode.Node.ID,
		PotentialNodeID: potential.ID,
	}, nil)
	assert.ErrorIs(t, err, ErrSuggestionParentMismatch)
	assert.Len(t, fx.stored(t).QAs, 2)

	// without a parent the answer goes below the node the suggestion belongs to
	res, err := fx.session.AskStream(context.Background(), AskRequest{
		Question:        potential.Question,
		PotentialNodeID: potential.ID,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Edge)
	assert.Equal(t, goNode.Node.ID, res.Edge.SourceNodeID)
	assert.Equal(t, models.QASourceAISuggestion, res.QA.Source)

	for _, p := range fx.stored(t).PotentialNodes {
		assert.NotEqual(t, potential.ID, p.ID, "asked suggestion still stored")
	}
}

func TestAskStream_EditedSuggestionRetired(t *testing.T) {
	fx := newFixture(t)
	root := fx.ask(t, "What is Go?", "")
	potential := root.PotentialNodes[0]

	_, err := fx.session.AskStream(context.Background(), AskRequest{
		Question:        "Who designed Go?",
		PotentialNodeID: potential.ID,
	}, nil)
	require.NoError(t, err)

	// a reload must not offer the asked suggestion again
	other := NewManager(fx.store, fx.llm, nil, Options{})
	reloaded, err := other.Session(context.Background(), fx.session.MapID())
	require.NoError(t, err)
	for _, p := range reloaded.View().PotentialNodes {
		assert.NotEqual(t, potential.Question, p.Question)
	}
}

func TestAskStream_FailureCommitsNothing(t *testing.T) {
	fx := newFixture(t)
	boom := errors.New("provider exploded")
	fx.llm.streamErr = boom

	var fragments []string
	_, err := fx.session.AskStream(context.Background(), AskRequest{Question: "What is Go?"}, func(f string) {
		fragments = append(fragments, f)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"Answer to "}, fragments)
	assert.Empty(t, fx.stored(t).QAs)
	assert.Empty(t, fx.session.View().Nodes)

	// the session is usable again
	fx.llm.streamErr = nil
	fx.ask(t, "What is Go?", "")
}

func TestAskStream_Cancelled(t *testing.T) {
	fx := newFixture(t)
	fx.llm.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := fx.session.AskStream(ctx, AskRequest{Question: "What is Go?"}, nil)
		errc <- err
	}()

	<-fx.llm.started
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, stream.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("AskStream did not return after cancellation")
	}
	assert.Empty(t, fx.stored(t).QAs)
}

func TestAsk_OneQuestionAtATime(t *testing.T) {
	fx := newFixture(t)
	fx.llm.block = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := fx.session.AskStream(context.Background(), AskRequest{Question: "first"}, nil)
		errc <- err
	}()
	<-fx.llm.started

	_, err := fx.session.AskStream(context.Background(), AskRequest{Question: "second"}, nil)
	assert.ErrorIs(t, err, ErrQuestionInFlight)

	// other mutations are not blocked while the answer streams
	assert.NotNil(t, fx.session.View())

	close(fx.llm.block)
	require.NoError(t, <-errc)
	assert.Len(t, fx.stored(t).QAs, 1)
}

func TestAsk_Validation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.session.Ask(context.Background(), AskRequest{Question: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = fx.session.Ask(context.Background(), AskRequest{Question: "q", ParentNodeID: "missing"})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	_, err = fx.session.Ask(context.Background(), AskRequest{Question: "q", PotentialNodeID: "missing"})
	assert.ErrorIs(t, err, ErrSuggestionNotFound)
}

func TestAsk_JSON(t *testing.T) {
	fx := newFixture(t)
	fx.llm.jsonReply = "```json\n{\"answer\": \"Go is a language.\", \"suggestedQuestions\": [\"Who made Go?\"]}\n```"

	res, err := fx.session.Ask(context.Background(), AskRequest{Question: "What is Go?"})
	require.NoError(t, err)
	assert.Equal(t, "Go is a language.", res.Answer)
	assert.Equal(t, []string{"Who made Go?"}, res.SuggestedQuestions)
	assert.Equal(t, llm.JSONPrompt, fx.llm.lastHistory()[0].Content)
	require.Len(t, res.PotentialNodes, 1)
}

func TestMerge(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.ask(t, "root", "")
	a := fx.ask(t, "a", root.Node.ID)
	b := fx.ask(t, "b", root.Node.ID)
	a1 := fx.ask(t, "a1", a.Node.ID)

	require.NoError(t, fx.session.Merge(ctx, a.Node.ID, b.Node.ID))

	questions := func(n models.Node) []string {
		var out []string
		for _, qa := range n.QAs {
			out = append(out, qa.Question)
		}
		return out
	}

	live := fx.session.Snapshot()
	stored := fx.stored(t)
	for name, snap := range map[string]models.Snapshot{"live": live, "stored": stored} {
		byID := map[string]models.Node{}
		for _, n := range snap.Nodes {
			byID[n.ID] = n
		}
		assert.Equal(t, []string{"b", "a"}, questions(byID[b.Node.ID]), name)
		assert.True(t, byID[a.Node.ID].IsHidden, name)
		for _, e := range snap.Edges {
			if e.TargetNodeID == a1.Node.ID {
				assert.Equal(t, b.Node.ID, e.SourceNodeID, name)
			}
		}
	}

	assert.ErrorIs(t, fx.session.Merge(ctx, a.Node.ID, a.Node.ID), graph.ErrMergeSelf)
	assert.ErrorIs(t, fx.session.Merge(ctx, root.Node.ID, b.Node.ID), graph.ErrMergeCycle)
	assert.ErrorIs(t, fx.session.Merge(ctx, "missing", b.Node.ID), graph.ErrNodeNotFound)
	assert.ErrorIs(t, fx.session.Restore(ctx, a.Node.ID), graph.ErrEmptyNode)
}

func TestHideRestore(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.ask(t, "root", "")
	a := fx.ask(t, "a", root.Node.ID)
	a1 := fx.ask(t, "a1", a.Node.ID)

	require.NoError(t, fx.session.Hide(ctx, a.Node.ID))
	view := fx.session.View()
	ids := map[string]string{}
	for _, p := range view.Nodes {
		ids[p.NodeID] = p.ParentID
	}
	assert.NotContains(t, ids, a.Node.ID)
	assert.Equal(t, root.Node.ID, ids[a1.Node.ID], "children of a hidden node hang off the nearest visible ancestor")
	assert.True(t, fx.stored(t).Nodes[1].IsHidden)

	require.NoError(t, fx.session.Restore(ctx, a.Node.ID))
	assert.Len(t, fx.session.View().Nodes, 3)
	assert.False(t, fx.stored(t).Nodes[1].IsHidden)

	assert.ErrorIs(t, fx.session.Hide(ctx, "missing"), graph.ErrNodeNotFound)
}

func TestMoveAndCollapse(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.ask(t, "root", "")
	a := fx.ask(t, "a", root.Node.ID)

	pos := models.Position{X: 10, Y: 20}
	require.NoError(t, fx.session.Move(ctx, a.Node.ID, pos))
	got, ok := layoutPosition(fx.session.View(), a.Node.ID)
	require.True(t, ok)
	assert.Equal(t, pos, got)
	require.NotNil(t, fx.stored(t).Nodes[1].Position)
	assert.Equal(t, pos, *fx.stored(t).Nodes[1].Position)

	require.NoError(t, fx.session.Collapse(root.Node.ID, true))
	view := fx.session.View()
	require.Len(t, view.Nodes, 1)
	assert.True(t, view.Nodes[0].Collapsed)

	require.NoError(t, fx.session.Collapse(root.Node.ID, false))
	assert.Len(t, fx.session.View().Nodes, 2)
	assert.ErrorIs(t, fx.session.Collapse("missing", true), graph.ErrNodeNotFound)
}

func layoutPosition(v View, id string) (models.Position, bool) {
	for _, p := range v.Nodes {
		if p.NodeID == id {
			return p.Position, true
		}
	}
	return models.Position{}, false
}

func TestConnectDisconnect(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.ask(t, "root", "")
	a := fx.ask(t, "a", root.Node.ID)
	b := fx.ask(t, "b", root.Node.ID)

	edge, err := fx.session.Connect(ctx, models.Edge{SourceNodeID: a.Node.ID, TargetNodeID: b.Node.ID, Label: "related"})
	require.NoError(t, err)
	assert.True(t, edge.IsUserCreated)
	assert.Len(t, fx.stored(t).Edges, 3)

	// user edges do not change the hierarchy
	view := fx.session.View()
	for _, p := range view.Nodes {
		if p.NodeID == b.Node.ID {
			assert.Equal(t, root.Node.ID, p.ParentID)
		}
	}

	_, err = fx.session.Connect(ctx, models.Edge{SourceNodeID: a.Node.ID, TargetNodeID: a.Node.ID})
	assert.ErrorIs(t, err, ErrInvalidEdge)
	_, err = fx.session.Connect(ctx, models.Edge{SourceNodeID: a.Node.ID, TargetNodeID: "missing"})
	assert.ErrorIs(t, err, ErrInvalidEdge)

	require.NoError(t, fx.session.Disconnect(ctx, edge.ID))
	assert.Len(t, fx.stored(t).Edges, 2)
	assert.ErrorIs(t, fx.session.Disconnect(ctx, edge.ID), ErrEdgeNotFound)
}

func TestReparent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.ask(t, "root", "")
	a := fx.ask(t, "a", root.Node.ID)
	b := fx.ask(t, "b", root.Node.ID)

	require.NoError(t, fx.session.Reparent(ctx, b.Node.ID, a.Node.ID))
	assert.ErrorIs(t, fx.session.Reparent(ctx, a.Node.ID, b.Node.ID), graph.ErrReparentCycle)

	parentIn := func(snap models.Snapshot, id string) string {
		for _, e := range snap.Edges {
			if e.TargetNodeID == id && !e.IsUserCreated {
				return e.SourceNodeID
			}
		}
		return ""
	}
	assert.Equal(t, a.Node.ID, parentIn(fx.session.Snapshot(), b.Node.ID))
	assert.Equal(t, a.Node.ID, parentIn(fx.stored(t), b.Node.ID))

	// to a root and back
	require.NoError(t, fx.session.Reparent(ctx, b.Node.ID, ""))
	assert.Empty(t, parentIn(fx.stored(t), b.Node.ID))
	require.NoError(t, fx.session.Reparent(ctx, b.Node.ID, root.Node.ID))
	assert.Equal(t, root.Node.ID, parentIn(fx.stored(t), b.Node.ID))

	live := fx.session.Snapshot()
	stored := fx.stored(t)
	require.Len(t, live.Edges, len(stored.Edges))
	for i := range live.Edges {
		assert.Equal(t, live.Edges[i].ID, stored.Edges[i].ID)
	}
}

func TestRegenerate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.ask(t, "root", "")
	a := fx.ask(t, "a", root.Node.ID)

	fx.llm.suggestReply = `{"questions": ["New one?", "New two?"]}`
	res, err := fx.session.Regenerate(ctx, root.Node.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	require.Len(t, res.PotentialNodes, 2)

	prompt := fx.llm.lastHistory()[1].Content
	assert.Contains(t, prompt, "Original question: root")
	assert.Contains(t, prompt, "a\n", "asked questions are listed as explored")

	byParent := map[string][]string{}
	for _, p := range fx.stored(t).PotentialNodes {
		byParent[p.ParentNodeID] = append(byParent[p.ParentNodeID], p.Question)
	}
	assert.Equal(t, []string{"New one?", "New two?"}, byParent[root.Node.ID])
	assert.Len(t, byParent[a.Node.ID], 2, "suggestions of other nodes are untouched")

	var live []string
	for _, p := range fx.session.View().PotentialNodes {
		if p.ParentNodeID == root.Node.ID {
			live = append(live, p.Question)
		}
	}
	assert.Equal(t, []string{"New one?", "New two?"}, live)

	fx.llm.suggestReply = "no idea"
	res, err = fx.manager.RegenerateSuggestions(ctx, fx.session.MapID(), a.Node.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Len(t, res.PotentialNodes, 5)

	_, err = fx.session.Regenerate(ctx, "missing", "")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestManager(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.ask(t, "root", "")

	again, err := fx.manager.Session(ctx, fx.session.MapID())
	require.NoError(t, err)
	assert.Same(t, fx.session, again)

	// a fresh manager rebuilds the same state from the store
	other := NewManager(fx.store, fx.llm, nil, Options{})
	reloaded, err := other.Session(ctx, fx.session.MapID())
	require.NoError(t, err)
	assert.Equal(t, len(fx.session.Snapshot().Nodes), len(reloaded.Snapshot().Nodes))
	assert.Equal(t, fx.session.View().Nodes[0].Position, reloaded.View().Nodes[0].Position)

	maps, err := fx.manager.ListMaps(ctx)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, 1, maps[0].QACount)

	_, err = fx.manager.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrMapNotFound)

	renamed, err := fx.manager.RenameMap(ctx, fx.session.MapID(), "  Go basics ")
	require.NoError(t, err)
	assert.Equal(t, "Go basics", renamed.Title)
	assert.Equal(t, "Go basics", fx.session.View().Map.Title)
	_, err = fx.manager.RenameMap(ctx, fx.session.MapID(), " ")
	assert.ErrorIs(t, err, ErrEmptyTitle)
	_, err = fx.manager.RenameMap(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrMapNotFound)

	require.NoError(t, fx.manager.DeleteMap(ctx, fx.session.MapID()))
	_, err = fx.manager.Session(ctx, fx.session.MapID())
	assert.ErrorIs(t, err, ErrMapNotFound)
	assert.ErrorIs(t, fx.manager.DeleteMap(ctx, fx.session.MapID()), ErrMapNotFound)
}
