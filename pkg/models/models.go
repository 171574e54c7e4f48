package models

import (
	"time"
)

// Map is one exploration session. It owns every node, QA, edge and potential node below it.
type Map struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// MapSummary is a Map with entity counts, used for listings
type MapSummary struct {
	Map
	QACount   int `json:"qaCount"`
	NodeCount int `json:"nodeCount"`
}

// QASource tells where a question came from
type QASource string

const (
	QASourceUser         QASource = "user"
	QASourceAISuggestion QASource = "ai_suggestion"
	QASourceForkedAuthor QASource = "forked_author"
)

// QA is one question/answer exchange. Timestamp is a per-map sequence number, not wall-clock.
type QA struct {
	ID                 string   `json:"id" db:"id"`
	MapID              string   `json:"mapId" db:"map_id"`
	Question           string   `json:"question" db:"question"`
	Answer             string   `json:"answer" db:"answer"`
	SuggestedQuestions []string `json:"suggestedQuestions" db:"suggested_questions"`
	Timestamp          int      `json:"timestamp" db:"timestamp"`
	Source             QASource `json:"source" db:"source"`
}

// Position is a 2D canvas coordinate
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a point in the visual tree. Hierarchy is carried by edges, not by the node.
type Node struct {
	ID       string    `json:"id" db:"id"`
	MapID    string    `json:"mapId" db:"map_id"`
	Position *Position `json:"position,omitempty"`
	IsHidden bool      `json:"isHidden" db:"is_hidden"`
	Order    int       `json:"order" db:"sort_order"`
	QAs      []QA      `json:"qas"`
}

// PrimaryQA returns the first attached QA, used for summaries
func (n Node) PrimaryQA() (QA, bool) {
	if len(n.QAs) == 0 {
		return QA{}, false
	}
	return n.QAs[0], true
}

// NodePatch is a partial node update. Nil fields are left untouched.
type NodePatch struct {
	Position     *Position `json:"position,omitempty"`
	IsHidden     *bool     `json:"isHidden,omitempty"`
	ParentNodeID *string   `json:"parentNodeId,omitempty"`
}

// DefaultEdgeType is the rendering hint used when none is given
const DefaultEdgeType = "smoothstep"

// EdgeStyle holds optional rendering overrides for an edge
type EdgeStyle struct {
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// Edge is a directed visual connection between two nodes
type Edge struct {
	ID            string     `json:"id" db:"id"`
	MapID         string     `json:"mapId" db:"map_id"`
	SourceNodeID  string     `json:"sourceNodeId" db:"source_node_id"`
	TargetNodeID  string     `json:"targetNodeId" db:"target_node_id"`
	EdgeType      string     `json:"edgeType" db:"edge_type"`
	Label         string     `json:"label,omitempty" db:"label"`
	Style         *EdgeStyle `json:"style,omitempty" db:"style"`
	IsUserCreated bool       `json:"isUserCreated" db:"is_user_created"`
}

// PotentialSource tells who proposed a potential node
type PotentialSource string

const (
	PotentialSourceAI           PotentialSource = "ai"
	PotentialSourceForkedAuthor PotentialSource = "forked_author"
)

// PotentialNode is a suggested follow-up question not yet asked
type PotentialNode struct {
	ID           string          `json:"id" db:"id"`
	MapID        string          `json:"mapId" db:"map_id"`
	ParentNodeID string          `json:"parentNodeId" db:"parent_node_id"`
	Question     string          `json:"question" db:"question"`
	Source       PotentialSource `json:"source" db:"source"`
	LinkedQAID   string          `json:"linkedQaId,omitempty" db:"linked_qa_id"`
}

// PotentialNodeFilter selects potential nodes for deletion. Empty fields match everything.
type PotentialNodeFilter struct {
	MapID        string
	ParentNodeID string
	Question     string
	Source       PotentialSource
}

// Matches reports whether p satisfies every non-empty field of the filter
func (f PotentialNodeFilter) Matches(p PotentialNode) bool {
	if f.MapID != "" && p.MapID != f.MapID {
		return false
	}
	if f.ParentNodeID != "" && p.ParentNodeID != f.ParentNodeID {
		return false
	}
	if f.Question != "" && p.Question != f.Question {
		return false
	}
	if f.Source != "" && p.Source != f.Source {
		return false
	}
	return true
}

// Snapshot is the full state of one map as loaded from storage
type Snapshot struct {
	Map            Map             `json:"map"`
	Nodes          []Node          `json:"nodes"`
	Edges          []Edge          `json:"edges"`
	QAs            []QA            `json:"qas"`
	PotentialNodes []PotentialNode `json:"potentialNodes"`
}
