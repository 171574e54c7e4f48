// Package layout assigns canvas positions to the visible nodes of a map.
//
// Positions are chosen in priority order: a position the user dragged the node to in
// this session, the position the node had in the previous render, the position stored
// with the node, and finally an automatic placement under its parent. Once a node has
// been rendered it does not move again unless dragged, so adding a node never causes
// the rest of the tree to jump.
package layout

import (
	"github.com/thoughtmap/pkg/models"
)

// Defaults used by the web client this layout replaces
var (
	DefaultAnchor = models.Position{X: 400, Y: 50}
)

const (
	DefaultGapX = 280.0
	DefaultGapY = 150.0
)

// Tree is the read-only view of a map the reconciler lays out
type Tree interface {
	Nodes() []models.Node
	Edges() []models.Edge
	Roots() []string
	ParentOf(id string) (string, bool)
	ChildrenOf(id string) []string
}

// Origin tells which rule produced a placement
type Origin string

const (
	OriginDragged   Origin = "dragged"
	OriginRendered  Origin = "rendered"
	OriginPersisted Origin = "persisted"
	OriginAuto      Origin = "auto"
)

// Placement is one visible node with its computed position
type Placement struct {
	NodeID   string          `json:"nodeId"`
	Position models.Position `json:"position"`
	// ParentID is the nearest visible ancestor, empty for a root
	ParentID   string      `json:"parentId,omitempty"`
	Depth      int         `json:"depth"`
	ChildCount int         `json:"childCount"`
	Collapsed  bool        `json:"collapsed"`
	Origin     Origin      `json:"origin"`
	Node       models.Node `json:"node"`
}

// View is the visible part of a map, nodes in pre-order
type View struct {
	Nodes []Placement   `json:"nodes"`
	Edges []models.Edge `json:"edges"`
}

// Position returns the placement of id in the view
func (v View) Position(id string) (models.Position, bool) {
	for _, p := range v.Nodes {
		if p.NodeID == id {
			return p.Position, true
		}
	}
	return models.Position{}, false
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithAnchor sets where the first root is placed
func WithAnchor(anchor models.Position) Option {
	return func(r *Reconciler) {
		r.anchor = anchor
	}
}

// WithSpacing sets the horizontal gap between siblings and the vertical gap between levels
func WithSpacing(gapX, gapY float64) Option {
	return func(r *Reconciler) {
		r.gapX = gapX
		r.gapY = gapY
	}
}

// Reconciler holds the session-local layout state of one map. It is not safe for
// concurrent use.
type Reconciler struct {
	anchor models.Position
	gapX   float64
	gapY   float64

	dragged   map[string]models.Position
	collapsed map[string]bool
	rendered  map[string]models.Position
}

// New returns a Reconciler with the default anchor and spacing
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		anchor: DefaultAnchor,
		gapX:   DefaultGapX,
		gapY:   DefaultGapY,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Reset()
	return r
}

// Reset forgets dragged positions, collapse flags and the previous render
func (r *Reconciler) Reset() {
	r.dragged = make(map[string]models.Position)
	r.collapsed = make(map[string]bool)
	r.rendered = make(map[string]models.Position)
}

// Drag records a user-chosen position. It is never overwritten automatically.
func (r *Reconciler) Drag(id string, pos models.Position) {
	r.dragged[id] = pos
	r.rendered[id] = pos
}

// SetCollapsed sets whether the descendants of id are hidden from the view
func (r *Reconciler) SetCollapsed(id string, collapsed bool) {
	if collapsed {
		r.collapsed[id] = true
		return
	}
	delete(r.collapsed, id)
}

// Collapsed reports the collapse flag of id
func (r *Reconciler) Collapsed(id string) bool {
	return r.collapsed[id]
}

// Dragged returns the dragged position of id, if any
func (r *Reconciler) Dragged(id string) (models.Position, bool) {
	pos, ok := r.dragged[id]
	return pos, ok
}

// Reconcile computes the visible view of tree. Nodes rendered by the previous call keep
// their position; only new nodes are placed.
func (r *Reconciler) Reconcile(tree Tree) View {
	nodes := tree.Nodes()
	byID := make(map[string]models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	visible := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		visible[n.ID] = !n.IsHidden && !r.hasCollapsedAncestor(tree, n.ID)
	}

	// group visible nodes under their nearest visible ancestor, in pre-order
	children := make(map[string][]string)
	var roots []string
	seen := make(map[string]bool, len(nodes))
	var walk func(id, layoutParent string)
	walk = func(id, layoutParent string) {
		if seen[id] {
			return
		}
		seen[id] = true
		if _, ok := byID[id]; !ok {
			return
		}
		next := layoutParent
		if visible[id] {
			if layoutParent == "" {
				roots = append(roots, id)
			} else {
				children[layoutParent] = append(children[layoutParent], id)
			}
			next = id
		}
		for _, child := range tree.ChildrenOf(id) {
			walk(child, next)
		}
	}
	for _, id := range tree.Roots() {
		walk(id, "")
	}
	// nodes whose parent is missing from the snapshot are laid out as roots
	for _, n := range nodes {
		walk(n.ID, "")
	}

	view := View{Nodes: make([]Placement, 0, len(roots))}
	rendered := make(map[string]models.Position, len(visible))
	var place func(id, parentID string, index, siblings, depth int, parentPos models.Position)
	place = func(id, parentID string, index, siblings, depth int, parentPos models.Position) {
		n := byID[id]
		pos, origin := r.position(n, parentID == "", index, siblings, parentPos)
		rendered[id] = pos
		view.Nodes = append(view.Nodes, Placement{
			NodeID:     id,
			Position:   pos,
			ParentID:   parentID,
			Depth:      depth,
			ChildCount: len(tree.ChildrenOf(id)),
			Collapsed:  r.collapsed[id],
			Origin:     origin,
			Node:       n,
		})
		kids := children[id]
		for i, child := range kids {
			place(child, id, i, len(kids), depth+1, pos)
		}
	}
	for i, id := range roots {
		place(id, "", i, len(roots), 0, r.anchor)
	}
	r.rendered = rendered

	for _, e := range tree.Edges() {
		if visible[e.SourceNodeID] && visible[e.TargetNodeID] {
			view.Edges = append(view.Edges, e)
		}
	}
	return view
}

func (r *Reconciler) position(n models.Node, root bool, index, siblings int, parentPos models.Position) (models.Position, Origin) {
	if pos, ok := r.dragged[n.ID]; ok {
		return pos, OriginDragged
	}
	if pos, ok := r.rendered[n.ID]; ok {
		return pos, OriginRendered
	}
	if n.Position != nil {
		return *n.Position, OriginPersisted
	}
	if root {
		return models.Position{X: r.anchor.X + float64(index)*r.gapX, Y: r.anchor.Y}, OriginAuto
	}
	return models.Position{
		X: parentPos.X - float64(siblings-1)*r.gapX/2 + float64(index)*r.gapX,
		Y: parentPos.Y + r.gapY,
	}, OriginAuto
}

// hasCollapsedAncestor walks the primary-parent chain up to the root
func (r *Reconciler) hasCollapsedAncestor(tree Tree, id string) bool {
	if len(r.collapsed) == 0 {
		return false
	}
	visited := map[string]bool{id: true}
	for {
		parent, ok := tree.ParentOf(id)
		if !ok || visited[parent] {
			return false
		}
		if r.collapsed[parent] {
			return true
		}
		visited[parent] = true
		id = parent
	}
}
