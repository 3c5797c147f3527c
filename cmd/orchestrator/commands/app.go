package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/spherical-ai/nl2sql-engine/internal/bootstrap"
	"github.com/spherical-ai/nl2sql-engine/internal/config"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
)

// loadApp reads config (plus any local .env overrides), builds the
// process logger, and wires a full engine from it. Every command shares
// this one bootstrap path so behavior stays identical across build-kg,
// query, and list-kgs.
func loadApp(ctx context.Context) (*bootstrap.App, *observability.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	var out io.Writer = os.Stderr
	level := cfg.Observability.LogLevel
	if verbose {
		level = "debug"
	}
	log := observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      cfg.Observability.LogFormat,
		Output:      out,
		ServiceName: "orchestrator",
	})

	app, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("build engine: %w", err)
	}
	return app, log, nil
}
