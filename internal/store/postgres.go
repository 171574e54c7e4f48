package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/pkg/models"
)

//go:embed schema.sql
var schema string

// Postgres error codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Open connects to Postgres and pings it
func Open(ctx context.Context, databaseURL string, maxOpenConns int) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is empty")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

// PostgresStore implements Store on database/sql with lib/pq
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate creates the tables when they do not exist yet
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Msg("Database schema is up to date")
	return nil
}

func (s *PostgresStore) CreateMap(ctx context.Context, title string) (models.Map, error) {
	if title == "" {
		title = DefaultTitle
	}
	m := models.Map{ID: uuid.NewString(), Title: title}
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO maps (id, title) VALUES ($1, $2)
        RETURNING created_at, updated_at
    `, m.ID, m.Title).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Map{}, fmt.Errorf("create map: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListMaps(ctx context.Context) ([]models.MapSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT m.id, m.title, m.created_at, m.updated_at,
               (SELECT count(*) FROM qas q WHERE q.map_id = m.id),
               (SELECT count(*) FROM nodes n WHERE n.map_id = m.id)
        FROM maps m ORDER BY m.updated_at DESC
    `)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()

	out := make([]models.MapSummary, 0)
	for rows.Next() {
		var sum models.MapSummary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt, &sum.QACount, &sum.NodeCount); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMap(ctx context.Context, id, title string) (models.Map, error) {
	if title == "" {
		title = DefaultTitle
	}
	m := models.Map{ID: id}
	err := s.db.QueryRowContext(ctx, `
        UPDATE maps SET title = $2, updated_at = now() WHERE id = $1
        RETURNING title, created_at, updated_at
    `, id, title).Scan(&m.Title, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Map{}, classify(err)
	}
	return m, nil
}

func (s *PostgresStore) DeleteMap(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM maps WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete map: %w", err)
	}
	return expectRows(res)
}

func (s *PostgresStore) FetchMap(ctx context.Context, id string) (models.Snapshot, error) {
	snap := models.Snapshot{
		Nodes:          []models.Node{},
		Edges:          []models.Edge{},
		QAs:            []models.QA{},
		PotentialNodes: []models.PotentialNode{},
	}

	err := s.db.QueryRowContext(ctx, `SELECT id, title, created_at, updated_at FROM maps WHERE id = $1`, id).
		Scan(&snap.Map.ID, &snap.Map.Title, &snap.Map.CreatedAt, &snap.Map.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("fetch map: %w", err)
	}

	qaByID, err := s.fetchQAs(ctx, id, &snap)
	if err != nil {
		return models.Snapshot{}, err
	}
	if err := s.fetchNodes(ctx, id, qaByID, &snap); err != nil {
		return models.Snapshot{}, err
	}
	if err := s.fetchEdges(ctx, id, &snap); err != nil {
		return models.Snapshot{}, err
	}
	if err := s.fetchPotentialNodes(ctx, id, &snap); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

func (s *PostgresStore) fetchQAs(ctx context.Context, mapID string, snap *models.Snapshot) (map[string]models.QA, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, map_id, question, answer, suggested_questions, timestamp, source
        FROM qas WHERE map_id = $1 ORDER BY timestamp
    `, mapID)
	if err != nil {
		return nil, fmt.Errorf("fetch qas: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.QA)
	for rows.Next() {
		var qa models.QA
		var source string
		if err := rows.Scan(&qa.ID, &qa.MapID, &qa.Question, &qa.Answer, pq.Array(&qa.SuggestedQuestions), &qa.Timestamp, &source); err != nil {
			return nil, err
		}
		qa.Source = models.QASource(source)
		qa.SuggestedQuestions = ensureSliceNotNil(qa.SuggestedQuestions)
		snap.QAs = append(snap.QAs, qa)
		byID[qa.ID] = qa
	}
	return byID, rows.Err()
}

func (s *PostgresStore) fetchNodes(ctx context.Context, mapID string, qaByID map[string]models.QA, snap *models.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, map_id, position_x, position_y, is_hidden, sort_order
        FROM nodes WHERE map_id = $1 ORDER BY sort_order, created_at
    `, mapID)
	if err != nil {
		return fmt.Errorf("fetch nodes: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		var n models.Node
		var x, y sql.NullFloat64
		if err := rows.Scan(&n.ID, &n.MapID, &x, &y, &n.IsHidden, &n.Order); err != nil {
			return err
		}
		if x.Valid && y.Valid {
			n.Position = &models.Position{X: x.Float64, Y: y.Float64}
		}
		n.QAs = []models.QA{}
		index[n.ID] = len(snap.Nodes)
		snap.Nodes = append(snap.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	links, err := s.db.QueryContext(ctx, `
        SELECT nq.node_id, nq.qa_id
        FROM node_qas nq JOIN nodes n ON n.id = nq.node_id
        WHERE n.map_id = $1 ORDER BY nq.node_id, nq.qa_order
    `, mapID)
	if err != nil {
		return fmt.Errorf("fetch node qas: %w", err)
	}
	defer links.Close()

	for links.Next() {
		var nodeID, qaID string
		if err := links.Scan(&nodeID, &qaID); err != nil {
			return err
		}
		i, ok := index[nodeID]
		qa, found := qaByID[qaID]
		if !ok || !found {
			continue
		}
		snap.Nodes[i].QAs = append(snap.Nodes[i].QAs, qa)
	}
	return links.Err()
}

func (s *PostgresStore) fetchEdges(ctx context.Context, mapID string, snap *models.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, map_id, source_node_id, target_node_id, edge_type, label, style, is_user_created
        FROM edges WHERE map_id = $1 ORDER BY seq
    `, mapID)
	if err != nil {
		return fmt.Errorf("fetch edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.Edge
		var style []byte
		if err := rows.Scan(&e.ID, &e.MapID, &e.SourceNodeID, &e.TargetNodeID, &e.EdgeType, &e.Label, &style, &e.IsUserCreated); err != nil {
			return err
		}
		if len(style) > 0 {
			var st models.EdgeStyle
			if err := json.Unmarshal(style, &st); err != nil {
				log.Warn().Err(err).Str("edge_id", e.ID).Msg("Ignoring malformed edge style")
			} else {
				e.Style = &st
			}
		}
		snap.Edges = append(snap.Edges, e)
	}
	return rows.Err()
}

func (s *PostgresStore) fetchPotentialNodes(ctx context.Context, mapID string, snap *models.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, map_id, parent_node_id, question, source, coalesce(linked_qa_id::text, '')
        FROM potential_nodes WHERE map_id = $1 ORDER BY seq
    `, mapID)
	if err != nil {
		return fmt.Errorf("fetch potential nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.PotentialNode
		var source string
		if err := rows.Scan(&p.ID, &p.MapID, &p.ParentNodeID, &p.Question, &source, &p.LinkedQAID); err != nil {
			return err
		}
		p.Source = models.PotentialSource(source)
		snap.PotentialNodes = append(snap.PotentialNodes, p)
	}
	return rows.Err()
}

func (s *PostgresStore) CreateQA(ctx context.Context, qa models.QA) (models.QA, error) {
	if qa.ID == "" {
		qa.ID = uuid.NewString()
	}
	if qa.Source == "" {
		qa.Source = models.QASourceUser
	}
	qa.SuggestedQuestions = ensureSliceNotNil(qa.SuggestedQuestions)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO qas (id, map_id, question, answer, suggested_questions, timestamp, source)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
        `, qa.ID, qa.MapID, qa.Question, qa.Answer, pq.Array(qa.SuggestedQuestions), qa.Timestamp, string(qa.Source))
		if err != nil {
			return classify(err)
		}
		return touch(ctx, tx, qa.MapID)
	})
	if err != nil {
		return models.QA{}, fmt.Errorf("create qa: %w", err)
	}
	return qa, nil
}

func (s *PostgresStore) CreateNode(ctx context.Context, mapID, parentNodeID, initialQAID string) (models.Node, *models.Edge, error) {
	node := models.Node{ID: uuid.NewString(), MapID: mapID}
	var edge *models.Edge

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM nodes WHERE map_id = $1`, mapID).Scan(&node.Order); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO nodes (id, map_id, sort_order) VALUES ($1, $2, $3)
        `, node.ID, mapID, node.Order); err != nil {
			return classify(err)
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO node_qas (node_id, qa_id, qa_order) VALUES ($1, $2, 0)
        `, node.ID, initialQAID); err != nil {
			return classify(err)
		}

		var qa models.QA
		var source string
		err := tx.QueryRowContext(ctx, `
            SELECT id, map_id, question, answer, suggested_questions, timestamp, source FROM qas WHERE id = $1
        `, initialQAID).Scan(&qa.ID, &qa.MapID, &qa.Question, &qa.Answer, pq.Array(&qa.SuggestedQuestions), &qa.Timestamp, &source)
		if err != nil {
			return classify(err)
		}
		qa.Source = models.QASource(source)
		qa.SuggestedQuestions = ensureSliceNotNil(qa.SuggestedQuestions)
		node.QAs = []models.QA{qa}

		if parentNodeID != "" {
			e := models.Edge{
				ID:           uuid.NewString(),
				MapID:        mapID,
				SourceNodeID: parentNodeID,
				TargetNodeID: node.ID,
				EdgeType:     models.DefaultEdgeType,
			}
			if err := insertEdge(ctx, tx, e); err != nil {
				return err
			}
			edge = &e
		}
		return touch(ctx, tx, mapID)
	})
	if err != nil {
		return models.Node{}, nil, fmt.Errorf("create node: %w", err)
	}
	return node, edge, nil
}

func (s *PostgresStore) UpdateNode(ctx context.Context, id string, patch models.NodePatch) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var mapID string
		if err := tx.QueryRowContext(ctx, `SELECT map_id FROM nodes WHERE id = $1`, id).Scan(&mapID); err != nil {
			return classify(err)
		}
		if patch.Position != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE nodes SET position_x = $1, position_y = $2 WHERE id = $3`,
				patch.Position.X, patch.Position.Y, id); err != nil {
				return err
			}
		}
		if patch.IsHidden != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE nodes SET is_hidden = $1 WHERE id = $2`, *patch.IsHidden, id); err != nil {
				return err
			}
		}
		if patch.ParentNodeID != nil {
			if err := setParent(ctx, tx, mapID, id, *patch.ParentNodeID); err != nil {
				return err
			}
		}
		return touch(ctx, tx, mapID)
	})
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	return nil
}

func setParent(ctx context.Context, tx *sql.Tx, mapID, id, parent string) error {
	var edgeID string
	err := tx.QueryRowContext(ctx, `
        SELECT id FROM edges WHERE target_node_id = $1 AND NOT is_user_created ORDER BY seq LIMIT 1
    `, id).Scan(&edgeID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if parent == "" {
			return nil
		}
		return insertEdge(ctx, tx, models.Edge{
			ID:           uuid.NewString(),
			MapID:        mapID,
			SourceNodeID: parent,
			TargetNodeID: id,
			EdgeType:     models.DefaultEdgeType,
		})
	case err != nil:
		return err
	case parent == "":
		_, err = tx.ExecContext(ctx, `DELETE FROM edges WHERE id = $1`, edgeID)
		return err
	default:
		_, err = tx.ExecContext(ctx, `UPDATE edges SET source_node_id = $1 WHERE id = $2`, parent, edgeID)
		return classify(err)
	}
}

func (s *PostgresStore) MergeNodes(ctx context.Context, sourceID, targetID string) error {
	if sourceID == targetID {
		return fmt.Errorf("merge %s into itself: %w", sourceID, ErrConflict)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var mapID string
		if err := tx.QueryRowContext(ctx, `SELECT map_id FROM nodes WHERE id = $1 FOR UPDATE`, sourceID).Scan(&mapID); err != nil {
			return fmt.Errorf("source node: %w", classify(err))
		}
		var offset int
		if err := tx.QueryRowContext(ctx, `
            SELECT coalesce(max(nq.qa_order) + 1, 0)
            FROM nodes n LEFT JOIN node_qas nq ON nq.node_id = n.id
            WHERE n.id = $1 GROUP BY n.id
        `, targetID).Scan(&offset); err != nil {
			return fmt.Errorf("target node: %w", classify(err))
		}

		statements := []struct {
			query string
			args  []any
		}{
			{`UPDATE node_qas SET node_id = $1, qa_order = qa_order + $2 WHERE node_id = $3`, []any{targetID, offset, sourceID}},
			{`DELETE FROM edges WHERE source_node_id = $1 AND target_node_id = $2`, []any{sourceID, targetID}},
			{`UPDATE edges SET source_node_id = $1 WHERE source_node_id = $2`, []any{targetID, sourceID}},
			{`UPDATE nodes SET is_hidden = true WHERE id = $1`, []any{sourceID}},
		}
		for _, st := range statements {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return err
			}
		}
		return touch(ctx, tx, mapID)
	})
	if err != nil {
		return fmt.Errorf("merge nodes: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateEdge(ctx context.Context, edge models.Edge) (models.Edge, error) {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.EdgeType == "" {
		edge.EdgeType = models.DefaultEdgeType
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertEdge(ctx, tx, edge); err != nil {
			return err
		}
		return touch(ctx, tx, edge.MapID)
	})
	if err != nil {
		return models.Edge{}, fmt.Errorf("create edge: %w", err)
	}
	return edge, nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, e models.Edge) error {
	var style []byte
	if e.Style != nil {
		var err error
		if style, err = json.Marshal(e.Style); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO edges (id, map_id, source_node_id, target_node_id, edge_type, label, style, is_user_created)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, e.ID, e.MapID, e.SourceNodeID, e.TargetNodeID, e.EdgeType, e.Label, style, e.IsUserCreated)
	return classify(err)
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return expectRows(res)
}

func (s *PostgresStore) CreatePotentialNodes(ctx context.Context, mapID, parentNodeID string, questions []string, source models.PotentialSource) ([]models.PotentialNode, error) {
	if source == "" {
		source = models.PotentialSourceAI
	}
	out := make([]models.PotentialNode, 0, len(questions))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range questions {
			p := models.PotentialNode{
				ID:           uuid.NewString(),
				MapID:        mapID,
				ParentNodeID: parentNodeID,
				Question:     q,
				Source:       source,
			}
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO potential_nodes (id, map_id, parent_node_id, question, source)
                VALUES ($1, $2, $3, $4, $5)
            `, p.ID, p.MapID, p.ParentNodeID, p.Question, string(p.Source)); err != nil {
				return classify(err)
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create potential nodes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeletePotentialNodes(ctx context.Context, filter models.PotentialNodeFilter) (int, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM potential_nodes
        WHERE ($1 = '' OR map_id::text = $1)
          AND ($2 = '' OR parent_node_id::text = $2)
          AND ($3 = '' OR question = $3)
          AND ($4 = '' OR source = $4)
    `, filter.MapID, filter.ParentNodeID, filter.Question, string(filter.Source))
	if err != nil {
		return 0, fmt.Errorf("delete potential nodes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}
	return tx.Commit()
}

func touch(ctx context.Context, tx *sql.Tx, mapID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE maps SET updated_at = now() WHERE id = $1`, mapID)
	return err
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// classify maps driver errors onto the package sentinels
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w", pqErr.Message, ErrConflict)
		case foreignKeyViolation:
			return fmt.Errorf("%s: %w", pqErr.Message, ErrNotFound)
		}
	}
	return err
}
