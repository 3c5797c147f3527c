package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/nl2sql-engine/cmd/orchestrator/ui"
	"github.com/spherical-ai/nl2sql-engine/pkg/engine"
)

var (
	buildHost        string
	buildPort        int
	buildDatabase    string
	buildUser        string
	buildPassword    string
	buildSchema      string
	buildDescriptions bool
	buildEmbeddings  bool
)

var buildKGCmd = &cobra.Command{
	Use:   "build-kg",
	Short: "Connect to a target database and build (or load) its knowledge graph",
	RunE:  runBuildKG,
}

func init() {
	buildKGCmd.Flags().StringVar(&buildHost, "host", "localhost", "target database host")
	buildKGCmd.Flags().IntVar(&buildPort, "port", 5432, "target database port")
	buildKGCmd.Flags().StringVar(&buildDatabase, "database", "", "target database name")
	buildKGCmd.Flags().StringVar(&buildUser, "user", "", "target database user")
	buildKGCmd.Flags().StringVar(&buildPassword, "password", "", "target database password")
	buildKGCmd.Flags().StringVar(&buildSchema, "schema", "public", "target schema name")
	buildKGCmd.Flags().BoolVar(&buildDescriptions, "descriptions", true, "generate LLM table/column descriptions")
	buildKGCmd.Flags().BoolVar(&buildEmbeddings, "embeddings", true, "generate and index embeddings")
	_ = buildKGCmd.MarkFlagRequired("database")
	_ = buildKGCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(buildKGCmd)
}

func runBuildKG(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, log, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	params := engine.ConnectionParams{
		Host:                 buildHost,
		Port:                 buildPort,
		Database:             buildDatabase,
		User:                 buildUser,
		Password:             buildPassword,
		SchemaName:           buildSchema,
		GenerateDescriptions: buildDescriptions,
		GenerateEmbeddings:   buildEmbeddings,
	}

	renderer := ui.NewProgressRenderer(fmt.Sprintf("kg:%s", buildDatabase))
	result, err := app.Engine.ConnectOrBuildKG(ctx, params, renderer.Handle)
	renderer.Close()
	if err != nil {
		ui.Error("failed to build knowledge graph: %v", err)
		log.Error().Err(err).Msg("build-kg failed")
		return err
	}

	if result.WasExisting {
		ui.Success("loaded existing knowledge graph %s (%d tables, status %s)", result.KGID, result.TableCount, result.Status)
	} else {
		ui.Success("built knowledge graph %s (%d tables, status %s)", result.KGID, result.TableCount, result.Status)
	}
	return nil
}
