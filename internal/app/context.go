package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"metacontrol/internal/config"
	"metacontrol/internal/db"
	"metacontrol/internal/engine"
	"metacontrol/internal/logging"
	"metacontrol/internal/metrics"
	"metacontrol/internal/migrate"
)

// Context bundles everything a command needs to work on one workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Engine    engine.Engine
}

// LoadConfig reads path when set, otherwise the workspace config or the
// defaults when the workspace has none.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open migrates the workspace database and builds the engine. cfg must be
// validated by the caller.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*Context, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m := metrics.New()
	e, err := engine.New(conn, engine.Options{
		InferenceTimeout: cfg.Reasoner.InferenceTimeout,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Logger:    logger,
		Metrics:   m,
		Engine:    e,
	}, nil
}

func (c *Context) Close() error {
	_ = c.Logger.Sync()
	return c.DB.Close()
}
