package graph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoughtmap/pkg/models"
)

func qa(id string, ts int) models.QA {
	return models.QA{ID: id, MapID: "m1", Question: "question " + id, Answer: "answer " + id, Timestamp: ts, Source: models.QASourceUser}
}

func node(id string, qas ...models.QA) models.Node {
	return models.Node{ID: id, MapID: "m1", QAs: qas}
}

func qaIDs(n models.Node) []string {
	ids := make([]string, 0, len(n.QAs))
	for _, q := range n.QAs {
		ids = append(ids, q.ID)
	}
	return ids
}

func TestAddNode_SynthesizesSystemEdge(t *testing.T) {
	m := New("m1")

	edge, err := m.AddNode(node("root", qa("q0", 0)), "")
	require.NoError(t, err)
	assert.Nil(t, edge)

	edge, err = m.AddNode(node("child", qa("q1", 1)), "root")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, "root", edge.SourceNodeID)
	assert.Equal(t, "child", edge.TargetNodeID)
	assert.False(t, edge.IsUserCreated)
	assert.Equal(t, models.DefaultEdgeType, edge.EdgeType)
	assert.Len(t, m.Edges(), 1)

	parent, ok := m.ParentOf("child")
	require.True(t, ok)
	assert.Equal(t, "root", parent)
	assert.Equal(t, []string{"child"}, m.ChildrenOf("root"))
}

func TestAddNode_ExistingEdgeIsReused(t *testing.T) {
	m := New("m1")
	_, err := m.AddNode(node("root", qa("q0", 0)), "")
	require.NoError(t, err)
	m.AddEdge(models.Edge{ID: "stored", SourceNodeID: "root", TargetNodeID: "child"})

	edge, err := m.AddNode(node("child", qa("q1", 1)), "root")
	require.NoError(t, err)
	assert.Nil(t, edge)
	assert.Len(t, m.Edges(), 1)
}

func TestAddNode_Rejects(t *testing.T) {
	m := New("m1")
	_, err := m.AddNode(node("a", qa("q0", 0)), "")
	require.NoError(t, err)

	_, err = m.AddNode(node("a", qa("q1", 1)), "")
	assert.ErrorIs(t, err, ErrDuplicateNodeID)

	_, err = m.AddNode(node("b"), "a")
	assert.ErrorIs(t, err, ErrEmptyNode)
	assert.Empty(t, m.Edges())
}

// Every node added with a parent ends up with an edge from that parent
func TestAddNode_EdgeInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		m := New("m1")
		parents := map[string]string{}
		var ids []string
		for i := 0; i < 30; i++ {
			id := fmt.Sprintf("n%d", i)
			parent := ""
			if len(ids) > 0 && rng.Intn(4) != 0 {
				parent = ids[rng.Intn(len(ids))]
			}
			if len(ids) > 1 && rng.Intn(5) == 0 {
				m.AddEdge(models.Edge{SourceNodeID: ids[rng.Intn(len(ids))], TargetNodeID: ids[rng.Intn(len(ids))], IsUserCreated: true})
			}
			_, err := m.AddNode(node(id, qa("q"+id, i)), parent)
			require.NoError(t, err)
			ids = append(ids, id)
			parents[id] = parent
		}

		for id, parent := range parents {
			if parent == "" {
				continue
			}
			found := false
			for _, e := range m.Edges() {
				if e.SourceNodeID == parent && e.TargetNodeID == id {
					found = true
					break
				}
			}
			assert.True(t, found, "round %d: no edge %s -> %s", round, parent, id)
		}
	}
}

func TestUpdateHideRestore(t *testing.T) {
	m := New("m1")
	_, _ = m.AddNode(node("a", qa("q0", 0)), "")
	_, _ = m.AddNode(node("b", qa("q1", 1)), "a")

	hidden := true
	assert.True(t, m.UpdateNode("a", models.NodePatch{Position: &models.Position{X: 1, Y: 2}, IsHidden: &hidden}))
	a, _ := m.Node("a")
	assert.Equal(t, &models.Position{X: 1, Y: 2}, a.Position)
	assert.True(t, a.IsHidden)

	b, _ := m.Node("b")
	assert.False(t, b.IsHidden, "hide is not recursive")

	assert.True(t, m.RestoreNode("a"))
	a, _ = m.Node("a")
	assert.False(t, a.IsHidden)

	assert.False(t, m.UpdateNode("missing", models.NodePatch{IsHidden: &hidden}))
	assert.False(t, m.HideNode("missing"))
	assert.False(t, m.RestoreNode("missing"))
	assert.False(t, m.RemoveEdge("missing"))
}

func TestNode_ReturnsCopy(t *testing.T) {
	m := New("m1")
	_, _ = m.AddNode(models.Node{ID: "a", Position: &models.Position{X: 1}, QAs: []models.QA{qa("q0", 0)}}, "")

	n, _ := m.Node("a")
	n.Position.X = 99
	n.QAs[0].Answer = "changed"

	again, _ := m.Node("a")
	assert.Equal(t, 1.0, again.Position.X)
	assert.Equal(t, "answer q0", again.QAs[0].Answer)
}

func TestMergeNodes(t *testing.T) {
	m := New("m1")
	_, _ = m.AddNode(node("root", qa("q0", 0)), "")
	_, _ = m.AddNode(node("A", qa("a1", 1), qa("a2", 2)), "root")
	_, _ = m.AddNode(node("B", qa("b1", 3)), "root")
	_, _ = m.AddNode(node("C", qa("c1", 4)), "A")
	m.AddEdge(models.Edge{ID: "user", SourceNodeID: "A", TargetNodeID: "B", IsUserCreated: true})

	before := len(m.ChildrenOf("B"))
	require.NoError(t, m.MergeNodes("A", "B"))

	b, _ := m.Node("B")
	assert.Equal(t, []string{"b1", "a1", "a2"}, qaIDs(b))
	assert.Len(t, m.ChildrenOf("B"), before+1)
	assert.Equal(t, []string{"C"}, m.ChildrenOf("B"))

	a, _ := m.Node("A")
	assert.True(t, a.IsHidden)
	assert.Empty(t, a.QAs)
	assert.Empty(t, m.ChildrenOf("A"))
	_, ok := m.Edge("user")
	assert.False(t, ok, "user edge A -> B would be a self loop")

	// every QA appears on exactly one node
	seen := map[string]int{}
	for _, n := range m.Nodes() {
		for _, q := range n.QAs {
			seen[q.ID]++
		}
	}
	assert.Equal(t, map[string]int{"q0": 1, "a1": 1, "a2": 1, "b1": 1, "c1": 1}, seen)

	assert.False(t, m.RestoreNode("A"), "merged node cannot be restored")
}

func TestMergeNodes_Errors(t *testing.T) {
	m := New("m1")
	_, _ = m.AddNode(node("root", qa("q0", 0)), "")
	_, _ = m.AddNode(node("child", qa("q1", 1)), "root")
	_, _ = m.AddNode(node("grandchild", qa("q2", 2)), "child")

	before := m.Nodes()
	beforeEdges := m.Edges()

	assert.ErrorIs(t, m.MergeNodes("root", "root"), ErrMergeSelf)
	assert.ErrorIs(t, m.MergeNodes("missing", "root"), ErrNodeNotFound)
	assert.ErrorIs(t, m.MergeNodes("root", "missing"), ErrNodeNotFound)
	assert.ErrorIs(t, m.MergeNodes("root", "grandchild"), ErrMergeCycle)

	if diff := cmp.Diff(before, m.Nodes()); diff != "" {
		t.Errorf("failed merge changed nodes (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(beforeEdges, m.Edges()); diff != "" {
		t.Errorf("failed merge changed edges (-before +after):\n%s", diff)
	}

	// merging upwards is allowed
	require.NoError(t, m.MergeNodes("grandchild", "root"))
	r, _ := m.Node("root")
	assert.Equal(t, []string{"q0", "q2"}, qaIDs(r))
}

func TestReparent(t *testing.T) {
	m := New("m1")
	_, _ = m.AddNode(node("a", qa("q0", 0)), "")
	_, _ = m.AddNode(node("b", qa("q1", 1)), "a")
	_, _ = m.AddNode(node("c", qa("q2", 2)), "b")
	_, _ = m.AddNode(node("d", qa("q3", 3)), "")

	edge, err := m.Reparent("c", "d")
	require.NoError(t, err)
	require.NotNil(t, edge)
	parent, _ := m.ParentOf("c")
	assert.Equal(t, "d", parent)
	assert.Empty(t, m.ChildrenOf("b"))

	_, err = m.Reparent("a", "c")
	require.NoError(t, err, "c is no longer below a")

	_, err = m.Reparent("d", "a")
	assert.ErrorIs(t, err, ErrReparentCycle)
	_, err = m.Reparent("a", "a")
	assert.ErrorIs(t, err, ErrReparentCycle)
	_, err = m.Reparent("missing", "a")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	edge, err = m.Reparent("a", "")
	require.NoError(t, err)
	assert.Nil(t, edge)
	_, ok := m.ParentOf("a")
	assert.False(t, ok)
	assert.Contains(t, m.Roots(), "a")
}

func TestParentOf_IgnoresUserEdges(t *testing.T) {
	m := New("m1")
	_, _ = m.AddNode(node("a", qa("q0", 0)), "")
	_, _ = m.AddNode(node("b", qa("q1", 1)), "")
	m.AddEdge(models.Edge{SourceNodeID: "a", TargetNodeID: "b", IsUserCreated: true})
	_, _ = m.AddNode(node("c", qa("q2", 2)), "a")
	m.AddEdge(models.Edge{SourceNodeID: "b", TargetNodeID: "c", IsUserCreated: true})

	_, ok := m.ParentOf("b")
	assert.False(t, ok)
	parent, _ := m.ParentOf("c")
	assert.Equal(t, "a", parent)
	assert.Equal(t, []string{"a", "b"}, m.Roots())
	assert.Empty(t, m.ChildrenOf("b"))
}

func TestEdges_AddRemove(t *testing.T) {
	m := New("m1")
	_, _ = m.AddNode(node("a", qa("q0", 0)), "")
	_, _ = m.AddNode(node("b", qa("q1", 1)), "")

	e := m.AddEdge(models.Edge{SourceNodeID: "a", TargetNodeID: "b", Label: "see also", IsUserCreated: true})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "m1", e.MapID)
	assert.Equal(t, models.DefaultEdgeType, e.EdgeType)

	assert.True(t, m.RemoveEdge(e.ID))
	assert.Empty(t, m.Edges())
	assert.Len(t, m.Nodes(), 2, "removing an edge keeps its endpoints")
}

func TestQAs_TimestampOrder(t *testing.T) {
	m := New("m1")
	assert.Equal(t, 0, m.NextTimestamp())

	assert.True(t, m.AddQA(qa("b", 2)))
	assert.True(t, m.AddQA(qa("a", 0)))
	assert.True(t, m.AddQA(qa("c", 5)))
	assert.False(t, m.AddQA(qa("a", 0)))

	var order []string
	for _, q := range m.QAs() {
		order = append(order, q.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 6, m.NextTimestamp())
}

func TestLoad(t *testing.T) {
	m := New("")
	m.Load(models.Snapshot{
		Map:   models.Map{ID: "m9"},
		Nodes: []models.Node{node("a", qa("q0", 0)), node("b", qa("q1", 1))},
		Edges: []models.Edge{{ID: "e1", SourceNodeID: "a", TargetNodeID: "b", EdgeType: models.DefaultEdgeType}},
		QAs:   []models.QA{qa("q1", 1), qa("q0", 0)},
	})

	assert.Equal(t, "m9", m.MapID())
	assert.Equal(t, []string{"b"}, m.ChildrenOf("a"))
	assert.Equal(t, 0, m.QAs()[0].Timestamp)
	assert.Equal(t, 2, m.NextTimestamp())
}
