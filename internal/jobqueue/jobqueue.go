package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/internal/session"
)

// Regenerator refreshes the suggestions of one node
type Regenerator interface {
	RegenerateSuggestions(ctx context.Context, mapID, nodeID, model string) (session.RegenerateResult, error)
}

// RegenerateSuggestionsArgs represents the arguments for a suggestion regeneration job
type RegenerateSuggestionsArgs struct {
	MapID  string `json:"map_id"`
	NodeID string `json:"node_id"`
	Model  string `json:"model,omitempty"`
}

// Kind returns the job kind for River
func (RegenerateSuggestionsArgs) Kind() string {
	return "regenerate_suggestions"
}

// RegenerateSuggestionsWorker handles regeneration jobs
type RegenerateSuggestionsWorker struct {
	river.WorkerDefaults[RegenerateSuggestionsArgs]
	regenerator Regenerator
	config      *QueueConfig
}

// NewRegenerateSuggestionsWorker returns a worker delegating to r
func NewRegenerateSuggestionsWorker(r Regenerator, config *QueueConfig) *RegenerateSuggestionsWorker {
	if config == nil {
		config = DefaultQueueConfig()
	}
	return &RegenerateSuggestionsWorker{regenerator: r, config: config}
}

// Timeout bounds one attempt
func (w *RegenerateSuggestionsWorker) Timeout(*river.Job[RegenerateSuggestionsArgs]) time.Duration {
	return w.config.JobTimeout
}

// Work regenerates the suggestions named by the job
func (w *RegenerateSuggestionsWorker) Work(ctx context.Context, job *river.Job[RegenerateSuggestionsArgs]) error {
	args := job.Args
	logger := log.With().
		Int64("job_id", job.ID).
		Int("attempt", job.Attempt).
		Str("map_id", args.MapID).
		Str("node_id", args.NodeID).
		Logger()

	logger.Info().Msg("Processing suggestion regeneration")

	res, err := w.regenerator.RegenerateSuggestions(ctx, args.MapID, args.NodeID, args.Model)
	if err != nil {
		logger.Error().Err(err).Msg("Suggestion regeneration failed")
		return fmt.Errorf("failed to regenerate suggestions: %w", err)
	}

	logger.Info().
		Int("suggestions", len(res.PotentialNodes)).
		Bool("fallback", res.Fallback).
		Msg("Suggestion regeneration completed")
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(ctx context.Context, databaseURL string, r Regenerator, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	// Create a pgx connection pool
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Create River client
	workers := river.NewWorkers()
	river.AddWorker(workers, NewRegenerateSuggestionsWorker(r, config))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Migrate applies River's own schema migrations
func Migrate(ctx context.Context, databaseURL string) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	log.Info().Int("applied", len(res.Versions)).Msg("River schema is up to date")
	return nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and closes the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// QueueRegenerateSuggestions queues a suggestion regeneration job
func (jq *JobQueue) QueueRegenerateSuggestions(ctx context.Context, mapID, nodeID, model string) (int64, error) {
	args := RegenerateSuggestionsArgs{
		MapID:  mapID,
		NodeID: nodeID,
		Model:  model,
	}

	res, err := jq.client.Insert(ctx, args, &river.InsertOpts{MaxAttempts: jq.config.MaxAttempts})
	if err != nil {
		return 0, fmt.Errorf("failed to queue suggestion regeneration job: %w", err)
	}

	log.Debug().Int64("job_id", res.Job.ID).Str("map_id", mapID).Str("node_id", nodeID).Msg("Queued suggestion regeneration")
	return res.Job.ID, nil
}
