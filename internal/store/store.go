// Package store persists maps and everything that hangs off them.
package store

import (
	"context"
	"errors"

	"github.com/thoughtmap/pkg/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence contract of a map session. Every method is scoped by ids the
// caller already holds; ids of new entities are assigned by the store unless the caller
// passes one in.
type Store interface {
	CreateMap(ctx context.Context, title string) (models.Map, error)
	ListMaps(ctx context.Context) ([]models.MapSummary, error)
	// UpdateMap renames a map and bumps its updated time
	UpdateMap(ctx context.Context, id, title string) (models.Map, error)
	// DeleteMap removes the map and everything below it
	DeleteMap(ctx context.Context, id string) error
	FetchMap(ctx context.Context, id string) (models.Snapshot, error)

	// CreateQA stores qa. The caller picks the timestamp; it must be unique within the map.
	CreateQA(ctx context.Context, qa models.QA) (models.QA, error)
	// CreateNode stores a node holding initialQAID. When parentNodeID is set the system
	// edge parent -> node is written too and returned.
	CreateNode(ctx context.Context, mapID, parentNodeID, initialQAID string) (models.Node, *models.Edge, error)
	// UpdateNode applies position and hidden changes. A ParentNodeID rewrites the node's
	// system edge, removing it for an empty parent.
	UpdateNode(ctx context.Context, id string, patch models.NodePatch) error
	// MergeNodes moves the QAs and outgoing edges of source to target and hides source,
	// atomically.
	MergeNodes(ctx context.Context, sourceID, targetID string) error

	CreateEdge(ctx context.Context, edge models.Edge) (models.Edge, error)
	DeleteEdge(ctx context.Context, id string) error

	CreatePotentialNodes(ctx context.Context, mapID, parentNodeID string, questions []string, source models.PotentialSource) ([]models.PotentialNode, error)
	// DeletePotentialNodes removes everything matching filter and reports how many went
	DeletePotentialNodes(ctx context.Context, filter models.PotentialNodeFilter) (int, error)
}

// DefaultTitle is used for maps created without a title
const DefaultTitle = "Untitled map"

func ensureSliceNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
