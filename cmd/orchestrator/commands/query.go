package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/nl2sql-engine/cmd/orchestrator/ui"
	"github.com/spherical-ai/nl2sql-engine/pkg/engine"
)

var (
	queryHost     string
	queryPort     int
	queryDatabase string
	queryUser     string
	queryPassword string
	querySchema   string
	queryJSON     bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a natural-language question against a target database's knowledge graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryHost, "host", "localhost", "target database host")
	queryCmd.Flags().IntVar(&queryPort, "port", 5432, "target database port")
	queryCmd.Flags().StringVar(&queryDatabase, "database", "", "target database name")
	queryCmd.Flags().StringVar(&queryUser, "user", "", "target database user")
	queryCmd.Flags().StringVar(&queryPassword, "password", "", "target database password")
	queryCmd.Flags().StringVar(&querySchema, "schema", "public", "target schema name")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the result as JSON")
	_ = queryCmd.MarkFlagRequired("database")
	_ = queryCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(queryCmd)
}

// runQuery reconnects to the target database (cheap: connect_or_build_kg
// is idempotent on the source fingerprint, so an already-built KG just
// gets loaded) and then asks the question. This CLI process has no
// memory of a prior build-kg invocation's cached connector, so the
// reconnect is required every time, not merely on first use.
func runQuery(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	question := args[0]

	app, log, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	params := engine.ConnectionParams{
		Host:       queryHost,
		Port:       queryPort,
		Database:   queryDatabase,
		User:       queryUser,
		Password:   queryPassword,
		SchemaName: querySchema,
	}

	spinner := ui.NewSpinner("connecting to knowledge graph")
	spinner.Start()
	kgResult, err := app.Engine.ConnectOrBuildKG(ctx, params, nil)
	spinner.Stop()
	if err != nil {
		ui.Error("failed to connect: %v", err)
		return err
	}

	spinner = ui.NewSpinner("thinking")
	spinner.Start()
	result, err := app.Engine.ProcessQuery(ctx, kgResult.KGID, question, nil)
	spinner.Stop()
	if err != nil {
		ui.Error("query failed: %v", err)
		log.Error().Err(err).Msg("query command failed")
		return err
	}

	if queryJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	renderResult(result)
	return nil
}

func renderResult(result *engine.QueryResult) {
	if result.NeedsClarification {
		ui.Warning("this question is ambiguous and needs clarification")
		if result.ClarificationPrompt != nil {
			ui.Info("%s", result.ClarificationPrompt.Question)
			for _, opt := range result.ClarificationPrompt.Options {
				fmt.Printf("  - %s\n", opt)
			}
		}
		return
	}

	if !result.Success {
		ui.Error("%s", result.Error)
		return
	}

	ui.Section("SQL")
	fmt.Println(result.SQL)
	if result.Explanation != "" {
		ui.Section("Explanation")
		fmt.Println(result.Explanation)
	}

	ui.Section(fmt.Sprintf("Results (%d rows)", result.RowCount))
	rows := make([][]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		cells := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			cells[i] = fmt.Sprintf("%v", row[col])
		}
		rows = append(rows, cells)
	}
	ui.Table(result.Columns, rows)
}
