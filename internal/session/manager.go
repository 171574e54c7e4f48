package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/internal/layout"
	"github.com/thoughtmap/internal/llm"
	"github.com/thoughtmap/internal/logging"
	"github.com/thoughtmap/internal/store"
	"github.com/thoughtmap/pkg/models"
)

var (
	// ErrMapNotFound is returned for unknown map ids
	ErrMapNotFound = errors.New("session: map not found")
	ErrEmptyTitle  = errors.New("session: title is empty")
)

// Options configures the sessions created by a Manager
type Options struct {
	// Model is used when a request does not name one
	Model         string
	Layout        []layout.Option
	TranscriptDir string
}

type dependencies struct {
	store     store.Store
	client    llm.Client
	suggester *llm.Suggester
	model     string
	layout    []layout.Option
}

// Manager loads map sessions on first use and keeps them for the life of the process
type Manager struct {
	deps          dependencies
	transcriptDir string

	mu       sync.Mutex
	sessions map[string]*MapSession
}

// NewManager wires the collaborators every session shares
func NewManager(st store.Store, client llm.Client, suggester *llm.Suggester, opts Options) *Manager {
	if opts.Model == "" {
		opts.Model = llm.DefaultModel
	}
	return &Manager{
		deps: dependencies{
			store:     st,
			client:    client,
			suggester: suggester,
			model:     opts.Model,
			layout:    opts.Layout,
		},
		transcriptDir: opts.TranscriptDir,
		sessions:      make(map[string]*MapSession),
	}
}

// CreateMap creates an empty map
func (m *Manager) CreateMap(ctx context.Context, title string) (models.Map, error) {
	created, err := m.deps.store.CreateMap(ctx, title)
	if err != nil {
		return models.Map{}, fmt.Errorf("create map: %w", err)
	}
	log.Info().Str("map_id", created.ID).Str("title", created.Title).Msg("Map created")
	return created, nil
}

// ListMaps lists stored maps, most recently updated first
func (m *Manager) ListMaps(ctx context.Context) ([]models.MapSummary, error) {
	return m.deps.store.ListMaps(ctx)
}

// RenameMap changes the title of a map, including the copy held by a loaded session
func (m *Manager) RenameMap(ctx context.Context, id, title string) (models.Map, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Map{}, ErrEmptyTitle
	}
	updated, err := m.deps.store.UpdateMap(ctx, id, title)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Map{}, ErrMapNotFound
		}
		return models.Map{}, fmt.Errorf("rename map: %w", err)
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.setMeta(updated)
	}
	log.Info().Str("map_id", id).Str("title", updated.Title).Msg("Map renamed")
	return updated, nil
}

// DeleteMap deletes a map and drops its session
func (m *Manager) DeleteMap(ctx context.Context, id string) error {
	if err := m.deps.store.DeleteMap(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMapNotFound
		}
		return fmt.Errorf("delete map: %w", err)
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("map_id", id).Msg("Failed to close transcript")
		}
	}
	log.Info().Str("map_id", id).Msg("Map deleted")
	return nil
}

// Session returns the live session of a map, loading it from the store when needed
func (m *Manager) Session(ctx context.Context, mapID string) (*MapSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[mapID]; ok {
		return s, nil
	}

	snap, err := m.deps.store.FetchMap(ctx, mapID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMapNotFound
		}
		return nil, fmt.Errorf("load map: %w", err)
	}

	transcript, err := logging.StartTranscript(m.transcriptDir, mapID)
	if err != nil {
		log.Warn().Err(err).Str("map_id", mapID).Msg("Transcripts disabled for map")
		transcript = nil
	}

	s := newMapSession(snap, m.deps, transcript)
	m.sessions[mapID] = s
	log.Debug().
		Str("map_id", mapID).
		Int("nodes", len(snap.Nodes)).
		Int("edges", len(snap.Edges)).
		Int("qas", len(snap.QAs)).
		Msg("Map session loaded")
	return s, nil
}

// RegenerateSuggestions refreshes the suggestions of one node. It is the entry point
// for background jobs.
func (m *Manager) RegenerateSuggestions(ctx context.Context, mapID, nodeID, model string) (RegenerateResult, error) {
	s, err := m.Session(ctx, mapID)
	if err != nil {
		return RegenerateResult{}, err
	}
	return s.Regenerate(ctx, nodeID, model)
}

// Close closes every session
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("map_id", id).Msg("Failed to close transcript")
		}
		delete(m.sessions, id)
	}
}
