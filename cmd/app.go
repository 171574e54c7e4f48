package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/thoughtmap/internal/config"
	"github.com/thoughtmap/internal/layout"
	"github.com/thoughtmap/internal/llm"
	"github.com/thoughtmap/internal/logging"
	"github.com/thoughtmap/internal/session"
	"github.com/thoughtmap/internal/store"
	"github.com/thoughtmap/pkg/models"
)

// runtime holds what the serving commands share
type runtime struct {
	cfg     *config.Config
	store   store.Store
	db      *sql.DB
	manager *session.Manager
}

// loadConfig loads and validates the configuration named by --config and sets up logging
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

// openStore returns a Postgres store when a database URL is configured and an in-memory
// store otherwise. db is nil for the memory store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *sql.DB, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("No database configured, maps are kept in memory")
		return store.NewMemoryStore(), nil, nil
	}
	db, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(db), db, nil
}

func newClient(cfg config.LLMConfig) *llm.LangchainClient {
	return llm.NewLangchainClient(llm.Options{
		OpenAIKey:         cfg.OpenAIKey,
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		AnthropicKey:      cfg.AnthropicKey,
		GoogleKey:         cfg.GoogleKey,
		CohereKey:         cfg.CohereKey,
		OllamaURL:         cfg.OllamaURL,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.Burst,
	})
}

func layoutOptions(cfg config.LayoutConfig) []layout.Option {
	return []layout.Option{
		layout.WithAnchor(models.Position{X: cfg.AnchorX, Y: cfg.AnchorY}),
		layout.WithSpacing(cfg.GapX, cfg.GapY),
	}
}

// newRuntime wires store, model client, suggester and session manager
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := newClient(cfg.LLM)
	suggester := llm.NewSuggester(client, cfg.Suggestions.Retry, cfg.Suggestions.MaxExisting)
	manager := session.NewManager(st, client, suggester, session.Options{
		Model:         cfg.LLM.DefaultModel,
		Layout:        layoutOptions(cfg.Layout),
		TranscriptDir: cfg.Log.TranscriptDir,
	})

	return &runtime{cfg: cfg, store: st, db: db, manager: manager}, nil
}

// Close releases sessions and the database
func (r *runtime) Close() {
	r.manager.Close()
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
